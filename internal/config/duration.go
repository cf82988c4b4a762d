package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string config value such as "30s" or
// "5m". Blank values parse to zero so a section can leave the field unset;
// negative durations are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
