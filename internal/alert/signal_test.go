package alert_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/pulse/internal/alert"
)

func TestParseSignal(t *testing.T) {
	sig, err := alert.ParseSignal(" M16:30:25::I86400 ")
	require.NoError(t, err)
	assert.Equal(t, alert.Signal{Hour: 16, Minute: 30, Second: 25, Interval: 24 * time.Hour}, sig)
	assert.Equal(t, "M16:30:25::I86400", sig.String())
}

func TestParseSignal_Invalid(t *testing.T) {
	for _, in := range []string{
		"::I86400",
		"M16:30:25::",
		"::",
		"16:30:25::I60",
		"M::I86400",
		"M16:30:25::I",
		"M24:00:00::I60",
		"M12:60:00::I60",
		"M12:00::I60",
		"M12:00:00::I0",
		"M12:00:00::I-5",
		"M12:00:00::I60::I60",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := alert.ParseSignal(in)
			assert.Error(t, err)
		})
	}
}

func TestSignal_Next(t *testing.T) {
	sig := alert.Signal{Hour: 9, Interval: time.Hour}
	morning := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), sig.Next(morning))
	assert.Equal(t, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), sig.Next(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC), sig.Next(time.Date(2026, 5, 4, 9, 0, 1, 0, time.UTC)))
}
