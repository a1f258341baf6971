package core

import (
	"fmt"
	"strconv"
	"time"
)

// ParseWindow parses a compact duration string of the form "<N><unit>" where
// unit is one of s, m, h, d (e.g. "30s", "5m", "1h", "1d"). An invalid format
// is a configuration error and should be surfaced at rule load time.
func ParseWindow(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid window %q: expected <number><s|m|h|d>", s)
	}

	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid window %q: expected positive number before unit", s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid window %q: unknown unit %q", s, string(unit))
	}
}

// WindowStart returns the inclusive lower bound of a trailing window ending
// at ref.
func WindowStart(ref time.Time, window time.Duration) time.Time {
	return ref.Add(-window)
}

// InWindow reports whether ts falls inside the trailing window ending at ref.
// The lower bound is inclusive: a timestamp exactly at ref-window is inside.
func InWindow(ts, ref time.Time, window time.Duration) bool {
	start := WindowStart(ref, window)
	return !ts.Before(start) && !ts.After(ref)
}
