package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration; empty means def.
// An explicit "0s" is kept as zero.
func ParseDurationField(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// positiveDuration is ParseDurationField that also rejects an explicit zero.
func positiveDuration(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", path)
	}
	return d, nil
}

func countOrDefault(path string, n, def int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%s: must be > 0, got %d", path, n)
	case n == 0:
		return def, nil
	default:
		return n, nil
	}
}
