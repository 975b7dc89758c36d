package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError reports a bad value at a dotted config path such as "engine.retry_base".
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Err: fmt.Errorf("invalid duration %q", raw)}
	case d < 0:
		return 0, &FieldError{Path: path, Err: fmt.Errorf("duration %s is negative", d)}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
