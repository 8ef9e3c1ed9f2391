package policy

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// ParseRateLimit parses "N/second", "N/minute" or "N/hour" into a limiter
// rate and burst. Burst equals N so the full quota is usable at once. An empty
// string means no limit and returns rate.Inf.
func ParseRateLimit(s string) (rate.Limit, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return rate.Inf, 0, nil
	}

	count, unit, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid rate limit format %q: expected 'N/duration'", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid rate limit count %q: must be positive integer", count)
	}

	var perSecond float64
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "second", "sec", "s":
		perSecond = float64(n)
	case "minute", "min", "m":
		perSecond = float64(n) / 60
	case "hour", "hr", "h":
		perSecond = float64(n) / 3600
	default:
		return 0, 0, fmt.Errorf("invalid rate limit duration %q: must be 'second', 'minute', or 'hour'", unit)
	}
	return rate.Limit(perSecond), n, nil
}

// StricterRateLimit returns whichever of a and b allows fewer calls per
// second. Unparseable or empty values lose to a valid one.
func StricterRateLimit(a, b string) string {
	la, _, errA := ParseRateLimit(a)
	lb, _, errB := ParseRateLimit(b)
	switch {
	case errA != nil || a == "":
		return b
	case errB != nil || b == "":
		return a
	case lb < la:
		return b
	}
	return a
}
