package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaharia-lab/pulse/internal/apperr"
)

// Signal is a recurring time-of-day trigger written as "MHH:MM:SS::I<seconds>",
// for example "M16:30:25::I86400" fires daily at 16:30:25.
type Signal struct {
	Hour     int
	Minute   int
	Second   int
	Interval time.Duration
}

// ParseSignal parses the textual signal trigger form.
func ParseSignal(s string) (Signal, error) {
	invalid := func(msg string) (Signal, error) {
		return Signal{}, &apperr.ValidationError{Field: "signal", Message: fmt.Sprintf("%q: %s", s, msg)}
	}

	clock, interval, ok := strings.Cut(strings.TrimSpace(s), "::I")
	if !ok || strings.Contains(interval, "::I") {
		return invalid("expected MHH:MM:SS::I<seconds>")
	}
	if !strings.HasPrefix(clock, "M") {
		return invalid("time must start with M")
	}

	parts := strings.Split(strings.TrimPrefix(clock, "M"), ":")
	if len(parts) != 3 {
		return invalid("time must be HH:MM:SS")
	}
	var hms [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || len(p) == 0 || len(p) > 2 || v < 0 || v > limits[i] {
			return invalid("time out of range")
		}
		hms[i] = v
	}

	secs, err := strconv.ParseInt(interval, 10, 64)
	if err != nil || secs <= 0 {
		return invalid("interval must be a positive number of seconds")
	}

	return Signal{Hour: hms[0], Minute: hms[1], Second: hms[2], Interval: time.Duration(secs) * time.Second}, nil
}

// String renders the signal in its textual form.
func (s Signal) String() string {
	return fmt.Sprintf("M%02d:%02d:%02d::I%d", s.Hour, s.Minute, s.Second, int64(s.Interval/time.Second))
}

// Next returns the first time at or after after whose time of day matches
// the signal, in after's location.
func (s Signal) Next(after time.Time) time.Time {
	y, m, d := after.Date()
	t := time.Date(y, m, d, s.Hour, s.Minute, s.Second, 0, after.Location())
	if t.Before(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
