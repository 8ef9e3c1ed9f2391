// Package ui implements the human-in-the-loop channel for Ask decisions.
//
// The default channel is "none": nobody is asked and every Ask resolves to
// Deny with ASK_UNATTENDED. The "dialog" channel shows a native OS dialog
// (Cocoa on macOS, zenity/kdialog on Linux, Win32 on Windows) to the person
// operating the host.
//
// Fail-closed behavior:
//
//	A headless host, a dialog that cannot be spawned, or a timeout all count
//	as unattended. Only an explicit "Yes" approves; an explicit "No" and a
//	prompt refused by the rate limiter count as rejected.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gen2brain/dlgs"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
)

// Channel names.
const (
	ChannelNone   = "none"
	ChannelDialog = "dialog"
)

// DefaultTimeout is the default duration to wait for user response.
const DefaultTimeout = 60 * time.Second

// DefaultMaxPromptsPerMinute is the default rate limit for approval prompts.
// Past it, prompts are refused to prevent approval fatigue attacks.
const DefaultMaxPromptsPerMinute = 10

// DefaultCooldownDuration is how long prompts stay refused after the rate
// limit is hit.
const DefaultCooldownDuration = 5 * time.Minute

// Approver answers Ask decisions.
type Approver interface {
	Approve(ctx context.Context, d engine.Decision, args map[string]any) engine.Approval
}

// None never asks anyone.
type None struct{}

// Approve always reports Unattended.
func (None) Approve(context.Context, engine.Decision, map[string]any) engine.Approval {
	return engine.Unattended
}

// Config holds configuration for the ask channel.
type Config struct {
	// Channel is "none" or "dialog".
	Channel string `mapstructure:"channel"`

	// Timeout is the maximum time to wait for user response.
	Timeout time.Duration `mapstructure:"timeout"`

	// Title is the dialog window title.
	Title string `mapstructure:"title"`

	// MaxPromptsPerMinute limits how many prompts can be shown per minute.
	// Negative disables the limit.
	MaxPromptsPerMinute int `mapstructure:"max_prompts_per_minute"`

	// CooldownDuration is how long prompts are refused after the limit.
	CooldownDuration time.Duration `mapstructure:"cooldown"`
}

// New returns the Approver for cfg.Channel. A dialog channel on a headless
// host degrades to None with a warning.
func New(cfg Config, logger *slog.Logger) (Approver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Channel {
	case "", ChannelNone:
		return None{}, nil
	case ChannelDialog:
		if IsHeadless() {
			logger.Warn("ask channel is dialog but no display is available; asks resolve to deny")
			return None{}, nil
		}
		return NewDialog(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown ask channel %q", cfg.Channel)
}

// Dialog asks through a native dialog box.
type Dialog struct {
	cfg    Config
	logger *slog.Logger

	// question shows the dialog; it blocks until answered.
	question func(title, message string) (bool, error)

	mu            sync.Mutex
	promptTimes   []time.Time
	cooldownUntil time.Time
}

// NewDialog creates a Dialog, filling unset fields with defaults.
func NewDialog(cfg Config, logger *slog.Logger) *Dialog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Title == "" {
		cfg.Title = "capgate approval"
	}
	switch {
	case cfg.MaxPromptsPerMinute == 0:
		cfg.MaxPromptsPerMinute = DefaultMaxPromptsPerMinute
	case cfg.MaxPromptsPerMinute < 0:
		cfg.MaxPromptsPerMinute = 0
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultCooldownDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialog{
		cfg:    cfg,
		logger: logger,
		question: func(title, message string) (bool, error) {
			return dlgs.Question(title, message, true)
		},
	}
}

// Approve shows the dialog and waits for an answer, the timeout, or ctx.
func (p *Dialog) Approve(ctx context.Context, d engine.Decision, args map[string]any) engine.Approval {
	if !p.checkRateLimit(d.Tool) {
		return engine.Rejected
	}

	message := buildMessage(d, args)
	resultCh := make(chan engine.Approval, 1)

	// dlgs.Question blocks; an abandoned dialog is left to the user to close.
	go func() {
		approved, err := p.question(p.cfg.Title, message)
		switch {
		case err != nil:
			p.logger.Warn("approval dialog failed", "tool", d.Tool, "error", err)
			resultCh <- engine.Unattended
		case approved:
			resultCh <- engine.Approved
		default:
			resultCh <- engine.Rejected
		}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result
	case <-timer.C:
		p.logger.Info("approval timed out", "tool", d.Tool, "timeout", p.cfg.Timeout)
		return engine.Unattended
	case <-ctx.Done():
		return engine.Unattended
	}
}

// checkRateLimit reports whether another prompt may be shown.
func (p *Dialog) checkRateLimit(tool string) bool {
	if p.cfg.MaxPromptsPerMinute <= 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Before(p.cooldownUntil) {
		p.logger.Warn("approval prompt refused during cooldown",
			"tool", tool, "remaining", p.cooldownUntil.Sub(now).Round(time.Second))
		return false
	}

	cutoff := now.Add(-time.Minute)
	recent := p.promptTimes[:0]
	for _, t := range p.promptTimes {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	p.promptTimes = recent

	if len(p.promptTimes) >= p.cfg.MaxPromptsPerMinute {
		p.cooldownUntil = now.Add(p.cfg.CooldownDuration)
		p.logger.Warn("approval prompt rate exceeded; possible approval fatigue attack",
			"tool", tool, "prompts", len(p.promptTimes), "max", p.cfg.MaxPromptsPerMinute,
			"cooldown", p.cfg.CooldownDuration)
		return false
	}

	p.promptTimes = append(p.promptTimes, now)
	return true
}

// RateLimitStatus returns the current rate limiting status.
func (p *Dialog) RateLimitStatus() (promptsInLastMinute int, inCooldown bool, cooldownRemaining time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	for _, t := range p.promptTimes {
		if t.After(cutoff) {
			promptsInLastMinute++
		}
	}
	inCooldown = now.Before(p.cooldownUntil)
	if inCooldown {
		cooldownRemaining = p.cooldownUntil.Sub(now)
	}
	return promptsInLastMinute, inCooldown, cooldownRemaining
}

func buildMessage(d engine.Decision, args map[string]any) string {
	argsJSON := "{}"
	if len(args) > 0 {
		if data, err := json.MarshalIndent(args, "", "  "); err == nil {
			argsJSON = string(data)
		}
	}
	return fmt.Sprintf(
		"An agent wants to run a %s call that requires your approval.\n\n"+
			"Tool: %s\n"+
			"Reason: %s\n\n"+
			"Arguments:\n%s\n\n"+
			"Do you want to allow this action?",
		d.Category, d.Tool, d.Reason, argsJSON,
	)
}

// IsHeadless reports whether no dialog can be shown: CI, a container, or a
// Unix host without X11 or Wayland.
func IsHeadless() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return false
	}
	return os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}
