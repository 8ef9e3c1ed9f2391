package policy

import (
	"testing"

	"golang.org/x/time/rate"
)

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		input     string
		wantLimit rate.Limit
		wantBurst int
		wantErr   bool
	}{
		{"", rate.Inf, 0, false},
		{"5/second", 5, 5, false},
		{"60/minute", 1, 60, false},
		{"3600/hour", 1, 3600, false},
		{" 10 / s ", 10, 10, false},
		{"5", 0, 0, true},
		{"0/minute", 0, 0, true},
		{"-1/minute", 0, 0, true},
		{"abc/minute", 0, 0, true},
		{"5/fortnight", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			limit, burst, err := ParseRateLimit(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRateLimit(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if limit != tt.wantLimit || burst != tt.wantBurst {
				t.Errorf("ParseRateLimit(%q) = (%v, %d), want (%v, %d)", tt.input, limit, burst, tt.wantLimit, tt.wantBurst)
			}
		})
	}
}

func TestStricterRateLimit(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"60/minute", "10/minute", "10/minute"},
		{"10/minute", "60/minute", "10/minute"},
		{"", "10/minute", "10/minute"},
		{"10/minute", "", "10/minute"},
		{"1/second", "100/minute", "100/minute"},
	}
	for _, tt := range tests {
		if got := StricterRateLimit(tt.a, tt.b); got != tt.want {
			t.Errorf("StricterRateLimit(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
