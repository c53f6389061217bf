package moderation

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDuration parses "<integer><unit>" where unit is one of s, m, h, d, w
// (case-insensitive), e.g. "10m" or "2d". The integer must be positive.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if len(s) < 2 {
		return 0, &DurationError{Input: raw, Reason: "want <number><unit>, e.g. 10m"}
	}
	unit, ok := durationUnits[lower(s[len(s)-1])]
	if !ok {
		return 0, &DurationError{Input: raw, Reason: "unit must be one of s, m, h, d, w"}
	}
	digits := s[:len(s)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, &DurationError{Input: raw, Reason: "amount must be a whole number"}
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, &DurationError{Input: raw, Reason: "amount is too large"}
	}
	if n <= 0 {
		return 0, &DurationError{Input: raw, Reason: "amount must be positive"}
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, &DurationError{Input: raw, Reason: "amount is too large"}
	}
	return time.Duration(n) * unit, nil
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
