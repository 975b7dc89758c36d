package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseFrequency parses "once", "daily" or "weekly" (case-insensitive).
// An empty string means Once, matching the default selection of the post form.
func ParseFrequency(raw string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "once":
		return Once, nil
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	default:
		return Once, fmt.Errorf("invalid frequency %q (use once, daily or weekly)", raw)
	}
}

// ParseDate parses a calendar date in YYYY-MM-DD form.
func ParseDate(raw string) (Date, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Date{}, fmt.Errorf("date required")
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD)", raw)
	}
	return DateOf(t), nil
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::(\d{2}))?\s*$`)

// ParseClock parses a time of day in HH:MM or HH:MM:SS form (24h).
func ParseClock(raw string) (Clock, error) {
	m := reClock.FindStringSubmatch(raw)
	if len(m) != 4 {
		return Clock{}, fmt.Errorf("invalid time %q (use HH:MM)", raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss := 0
	if m[3] != "" {
		ss, _ = strconv.Atoi(m[3])
	}
	if hh > 23 || mm > 59 || ss > 59 {
		return Clock{}, fmt.Errorf("invalid time %q (out of range)", raw)
	}
	return Clock{Hour: hh, Minute: mm, Second: ss}, nil
}

// ParseLocation resolves an IANA zone name; empty means def (UTC when def is nil).
func ParseLocation(raw string, def *time.Location) (*time.Location, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", raw, err)
	}
	return loc, nil
}
