package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a non-negative duration. Besides Go duration
// strings it accepts a bare number of seconds ("60") and whole days ("7d"),
// which is how retention windows are usually written. Empty input yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration %q is negative", path, raw)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * day, nil
	}
	return time.ParseDuration(s)
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}
