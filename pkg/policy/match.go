package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// matchMode selects glob semantics for a rule set.
type matchMode int

const (
	// matchPath treats "/" as a separator: "*" and "?" stop at "/", "**"
	// crosses it.
	matchPath matchMode = iota

	// matchPermissive lets every run of "*" match anything. Used for tool
	// names and command lines where "/" has no structural meaning.
	matchPermissive
)

func matchModeFor(section string) matchMode {
	switch section {
	case "tools", "bash", "methods":
		return matchPermissive
	}
	return matchPath
}

// Glob is a compiled glob pattern.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// CompileGlob compiles pattern with path semantics.
func CompileGlob(pattern string) (*Glob, error) {
	return compileGlob(pattern, matchPath)
}

// CompilePermissiveGlob compiles pattern with permissive semantics.
func CompilePermissiveGlob(pattern string) (*Glob, error) {
	return compileGlob(pattern, matchPermissive)
}

func compileGlob(pattern string, mode matchMode) (*Glob, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	re, err := SafeCompile(globToRegexp(pattern, mode), 0)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// String returns the source pattern.
func (g *Glob) String() string { return g.pattern }

// Match reports whether value matches the whole pattern.
func (g *Glob) Match(value string) bool {
	return g.re.MatchString(value)
}

// MatchGlob is a convenience for one-off path glob matches. Invalid patterns
// never match.
func MatchGlob(pattern, value string) bool {
	g, err := CompileGlob(pattern)
	if err != nil {
		return false
	}
	return g.Match(value)
}

func globToRegexp(pattern string, mode matchMode) string {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch c {
		case '*':
			j := i
			for j < len(pattern) && pattern[j] == '*' {
				j++
			}
			if mode == matchPermissive || j-i >= 2 {
				sb.WriteString(".*")
			} else {
				sb.WriteString("[^/]*")
			}
			i = j
			continue
		case '?':
			if mode == matchPermissive {
				sb.WriteString(".")
			} else {
				sb.WriteString("[^/]")
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
		i++
	}
	sb.WriteString("$")
	return sb.String()
}

// compiledSet is a RuleSet with every pattern compiled.
type compiledSet struct {
	deny  []*Glob
	allow []*Glob
	ask   []*Glob
}

func compileRuleSet(rs RuleSet, mode matchMode) (*compiledSet, error) {
	cs := &compiledSet{}
	var err error
	if cs.deny, err = compileList(rs.Deny, mode); err != nil {
		return nil, err
	}
	if cs.allow, err = compileList(rs.Allow, mode); err != nil {
		return nil, err
	}
	if cs.ask, err = compileList(rs.Ask, mode); err != nil {
		return nil, err
	}
	return cs, nil
}

func compileList(patterns []string, mode matchMode) ([]*Glob, error) {
	out := make([]*Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := compileGlob(p, mode)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Tier names the list that produced a match.
type Tier string

const (
	TierDeny    Tier = "deny"
	TierAllow   Tier = "allow"
	TierAsk     Tier = "ask"
	TierDefault Tier = "default"
)

// Match is the result of evaluating keys against a rule set.
type Match struct {
	Verdict Verdict
	Tier    Tier
	Pattern string
	Key     string
}

// evaluate checks deny, then allow, then ask, then defaults to deny.
// denyOnly keys are consulted for deny patterns only; they let callers match
// alternate spellings of a resource without letting those spellings grant
// access.
func (cs *compiledSet) evaluate(keys, denyOnly []string) Match {
	for _, list := range [][]string{keys, denyOnly} {
		for _, k := range list {
			for _, g := range cs.deny {
				if g.Match(k) {
					return Match{Verdict: VerdictDeny, Tier: TierDeny, Pattern: g.pattern, Key: k}
				}
			}
		}
	}
	for _, k := range keys {
		for _, g := range cs.allow {
			if g.Match(k) {
				return Match{Verdict: VerdictAllow, Tier: TierAllow, Pattern: g.pattern, Key: k}
			}
		}
	}
	for _, k := range keys {
		for _, g := range cs.ask {
			if g.Match(k) {
				return Match{Verdict: VerdictAsk, Tier: TierAsk, Pattern: g.pattern, Key: k}
			}
		}
	}
	m := Match{Verdict: VerdictDeny, Tier: TierDefault}
	if len(keys) > 0 {
		m.Key = keys[0]
	}
	return m
}
