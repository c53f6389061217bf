package moderation

import (
	"errors"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	ok := map[string]time.Duration{
		"10s": 10 * time.Second,
		"5m":  5 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"3M":  3 * time.Minute,
		" 7d": 7 * 24 * time.Hour,
	}
	for in, want := range ok {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}

	bad := []string{"", "m", "10", "10y", "1.5h", "-5m", "0m", "abcm", "1h30m", "99999999999999999999s", "9999999999999w"}
	for _, in := range bad {
		_, err := ParseDuration(in)
		if err == nil {
			t.Fatalf("ParseDuration(%q): expected error", in)
		}
		var de *DurationError
		if !errors.As(err, &de) {
			t.Fatalf("ParseDuration(%q): want *DurationError, got %T", in, err)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseDuration(%q): error does not wrap ErrValidation", in)
		}
	}
}
