package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationOrDefault parses duration and returns def on empty or invalid value.
func ParseDurationOrDefault(value string, def time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return def
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return parsed
}

// ParseNonNegative parses an optional duration for the named field. Empty
// values are allowed; negative and malformed values are errors.
func ParseNonNegative(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", field, err)
	}
	if parsed < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}
