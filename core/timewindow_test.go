package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"", 0, true},
		{"s", 0, true},
		{"10", 0, true},
		{"10x", 0, true},
		{"-5m", 0, true},
		{"0h", 0, true},
		{"1.5h", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseWindow(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestInWindowBoundaries(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	// Exactly at the lower bound is inside.
	assert.True(t, InWindow(ref.Add(-window), ref, window))
	// One tick before the lower bound is outside.
	assert.False(t, InWindow(ref.Add(-window).Add(-time.Nanosecond), ref, window))
	// The reference itself is inside.
	assert.True(t, InWindow(ref, ref, window))
	// The future is outside.
	assert.False(t, InWindow(ref.Add(time.Second), ref, window))
}

func TestWindowStart(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ref.Add(-time.Hour), WindowStart(ref, time.Hour))
}
