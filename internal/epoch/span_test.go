package epoch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/pulse/internal/epoch"
)

func TestParseSpan(t *testing.T) {
	tests := []struct {
		in     string
		days   int64
		single bool
	}{
		{"1d", 1, true},
		{"1d1x", 1, true},
		{"2w", 14, false},
		{"3m", 90, false},
		{"3m4x", 360, false},
		{"1y", 365, false},
		{"10d2x", 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sp, err := epoch.ParseSpan(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.days, sp.Days())
			assert.Equal(t, time.Duration(tt.days)*24*time.Hour, sp.Duration())
			assert.Equal(t, tt.single, sp.SingleDay())
		})
	}
}

func TestParseSpan_Invalid(t *testing.T) {
	for _, in := range []string{"", "0d", "d", "1h", "1d0x", "01d", "1dx", " 1d", "1d2"} {
		t.Run(in, func(t *testing.T) {
			_, err := epoch.ParseSpan(in)
			assert.Error(t, err)
		})
	}
}

func TestSpan_String(t *testing.T) {
	sp, err := epoch.ParseSpan("3m4x")
	require.NoError(t, err)
	assert.Equal(t, "3m4x", sp.String())
}
