package policy

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// DefaultRegexTimeout bounds regex compilation for operator-supplied
// patterns (globs and DLP rules).
const DefaultRegexTimeout = 100 * time.Millisecond

// maxPatternLength caps operator-supplied regex source.
const maxPatternLength = 1000

var (
	nestedQuantifierRe = regexp.MustCompile(`\)[+*?]\s*[+*?]`)
	groupedNestedRe    = regexp.MustCompile(`\([^)]*[+*]\)[+*]`)
)

// SafeCompile compiles pattern in a goroutine and gives up after timeout
// (0 means DefaultRegexTimeout). Go's RE2 engine already matches in linear
// time; this only guards compilation of pathological input.
func SafeCompile(pattern string, timeout time.Duration) (*regexp.Regexp, error) {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		re  *regexp.Regexp
		err error
	}
	ch := make(chan result, 1)
	go func() {
		re, err := regexp.Compile(pattern)
		ch <- result{re, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("regex compile error: %w", r.err)
		}
		return r.re, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("regex compile timeout after %v: %s", timeout, pattern)
	}
}

// ValidateRegexComplexity rejects over-long patterns and obvious nested
// quantifiers such as (a+)+. It is a heuristic, not a proof.
func ValidateRegexComplexity(pattern string) error {
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("regex pattern exceeds maximum length (%d > %d)", len(pattern), maxPatternLength)
	}
	if nestedQuantifierRe.MatchString(pattern) || groupedNestedRe.MatchString(pattern) {
		return fmt.Errorf("regex contains potentially dangerous nested quantifiers: %s", pattern)
	}
	return nil
}
