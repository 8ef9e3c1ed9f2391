package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// State is a step of the policy lifecycle.
type State int32

const (
	StateUnloaded State = iota
	StateBaseLoaded
	StateSubPolicyFetch
	StateVerified
	StateMerged
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateBaseLoaded:
		return "BaseLoaded"
	case StateSubPolicyFetch:
		return "SubPolicyFetch"
	case StateVerified:
		return "Verified"
	case StateMerged:
		return "Merged"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Overlay status values reported on a snapshot.
const (
	OverlayNone        = "none"
	OverlayMerged      = "merged"
	OverlayUnavailable = "unavailable"
)

// Snapshot is an immutable, compiled view of the effective policy. It is safe
// for concurrent use without locking.
type Snapshot struct {
	doc     *Document
	hash    string
	overlay string
	sets    map[string]*compiledSet
	limit   rate.Limit
	burst   int
}

// Compile builds a snapshot from a validated document.
func Compile(doc *Document) (*Snapshot, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil policy document")
	}
	doc = doc.Clone()
	if doc.Spec.Methods.IsEmpty() {
		doc.Spec.Methods.Allow = append([]string(nil), DefaultAllowedMethods...)
	}

	s := &Snapshot{doc: doc, overlay: OverlayNone, sets: make(map[string]*compiledSet)}
	for name, rs := range doc.ruleSets() {
		cs, err := compileRuleSet(rs, matchModeFor(name))
		if err != nil {
			return nil, fmt.Errorf("invalid %s rules: %w", name, err)
		}
		s.sets[name] = cs
	}

	limit, burst, err := ParseRateLimit(doc.Spec.RateLimit)
	if err != nil {
		return nil, err
	}
	s.limit, s.burst = limit, burst

	data, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to hash policy: %w", err)
	}
	sum := sha256.Sum256(data)
	s.hash = hex.EncodeToString(sum[:])
	return s, nil
}

// Role returns the role the snapshot enforces.
func (s *Snapshot) Role() Role { return s.doc.Spec.Role }

// Name returns metadata.name of the effective document.
func (s *Snapshot) Name() string { return s.doc.Metadata.Name }

// Hash returns the SHA-256 of the effective document.
func (s *Snapshot) Hash() string { return s.hash }

// Overlay reports whether a sub-policy was merged.
func (s *Snapshot) Overlay() string { return s.overlay }

// Document returns a copy of the effective document.
func (s *Snapshot) Document() *Document { return s.doc.Clone() }

// GrantsNetwork reports whether any network rule allows or asks. Such a
// policy is only enforceable behind the egress proxy.
func (s *Snapshot) GrantsNetwork() bool {
	n := s.doc.Spec.Network
	return len(n.Allow) > 0 || len(n.Ask) > 0
}

// RateLimit returns the per-connection tool call limit; rate.Inf means none.
func (s *Snapshot) RateLimit() (rate.Limit, int) { return s.limit, s.burst }

// Evaluate matches keys against the rule set for cat. Filesystem categories
// share the filesystem rule set; callers build "read:" or "write:" keys.
func (s *Snapshot) Evaluate(cat Category, keys, denyOnly []string) Match {
	cs := s.sets[sectionFor(cat)]
	if cs == nil {
		return Match{Verdict: VerdictDeny, Tier: TierDefault}
	}
	return cs.evaluate(keys, denyOnly)
}

// EvaluateMethod matches a normalized JSON-RPC method name.
func (s *Snapshot) EvaluateMethod(method string) Match {
	return s.sets["methods"].evaluate([]string{NormalizeName(method)}, nil)
}

func sectionFor(cat Category) string {
	switch cat {
	case CategoryTool:
		return "tools"
	case CategoryBash:
		return "bash"
	case CategoryFilesystemRead, CategoryFilesystemWrite:
		return "filesystem"
	case CategoryNetwork:
		return "network"
	}
	return ""
}

// Store owns the lifecycle of a role's policy and publishes snapshots through
// an atomic pointer. Readers call Snapshot and never block.
type Store struct {
	base    *Document
	fetcher *Fetcher
	logger  *slog.Logger

	state   atomic.Int32
	current atomic.Pointer[Snapshot]

	// loadMu serializes Load and Reload; readers never take it.
	loadMu  sync.Mutex
	lastErr error
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFetcher overrides the sub-policy fetcher.
func WithFetcher(f *Fetcher) StoreOption {
	return func(s *Store) { s.fetcher = f }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store for base. Nothing is published until Load.
func NewStore(base *Document, opts ...StoreOption) *Store {
	s := &Store{base: base, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = NewFetcher(s.logger)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Store) State() State { return State(s.state.Load()) }

// Ready reports whether a snapshot is published.
func (s *Store) Ready() bool { return s.State() == StateReady && s.current.Load() != nil }

// Snapshot returns the current snapshot, or nil unless the store is Ready.
func (s *Store) Snapshot() *Snapshot {
	if State(s.state.Load()) != StateReady {
		return nil
	}
	return s.current.Load()
}

// Err returns the error that moved the store to Failed, if any.
func (s *Store) Err() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.lastErr
}

// Load runs the boot lifecycle. A mandatory overlay that cannot be fetched or
// verified moves the store to Failed and returns an error wrapping
// ErrSubPolicyVerification; the caller must not serve.
func (s *Store) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	snap, err := s.build(ctx, true)
	if err != nil {
		s.setState(StateFailed)
		s.current.Store(nil)
		s.lastErr = err
		return err
	}
	s.current.Store(snap)
	s.setState(StateReady)
	s.lastErr = nil
	s.logger.Info("policy ready",
		"role", snap.Role(), "name", snap.Name(), "hash", snap.Hash(), "overlay", snap.Overlay())
	return nil
}

// Reload rebuilds the snapshot and swaps it in. On failure the previous
// snapshot stays published and the error is returned.
func (s *Store) Reload(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.State() != StateReady {
		return fmt.Errorf("reload requires a ready store (state %s)", s.State())
	}
	snap, err := s.build(ctx, false)
	if err != nil {
		s.logger.Error("policy reload failed, keeping previous snapshot", "error", err)
		return err
	}
	old := s.current.Swap(snap)
	if old != nil && old.Hash() != snap.Hash() {
		s.logger.Info("policy reloaded", "old_hash", old.Hash(), "new_hash", snap.Hash())
	}
	return nil
}

func (s *Store) build(ctx context.Context, boot bool) (*Snapshot, error) {
	if s.base == nil {
		return nil, &LoadError{Source: "base", Err: errors.New("no base policy")}
	}
	if err := s.base.Validate(); err != nil {
		return nil, &LoadError{Source: "base", Err: err}
	}
	if boot {
		s.setState(StateBaseLoaded)
	}

	effective := s.base
	overlay := OverlayNone
	if src := s.base.Spec.SubPolicy; src != nil {
		if boot {
			s.setState(StateSubPolicyFetch)
		}
		sub, _, err := s.fetcher.Fetch(ctx, src)
		switch {
		case err != nil && src.Mandatory:
			return nil, err
		case err != nil:
			s.logger.Warn("optional sub-policy unavailable, using base policy", "url", src.URL, "error", err)
			overlay = OverlayUnavailable
		default:
			if boot {
				s.setState(StateVerified)
			}
			merged, report, err := Merge(s.base, sub)
			if err != nil {
				verr := &VerificationError{URL: src.URL, Attempts: 1, Err: err}
				if src.Mandatory {
					return nil, verr
				}
				s.logger.Warn("optional sub-policy rejected, using base policy", "error", verr)
				overlay = OverlayUnavailable
				break
			}
			if len(report.IgnoredGrants) > 0 {
				s.logger.Warn("sub-policy grants ignored; overlays can only narrow",
					"count", len(report.IgnoredGrants), "patterns", report.IgnoredGrants)
			}
			s.logger.Info("sub-policy merged",
				"url", src.URL, "added_denies", report.AddedDenies, "revoked", len(report.RemovedGrants))
			effective = merged
			overlay = OverlayMerged
			if boot {
				s.setState(StateMerged)
			}
		}
	}

	snap, err := Compile(effective)
	if err != nil {
		return nil, &LoadError{Source: "effective", Err: err}
	}
	snap.overlay = overlay
	return snap, nil
}

func (s *Store) setState(st State) {
	s.state.Store(int32(st))
}
