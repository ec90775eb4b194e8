package epoch

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shaharia-lab/pulse/internal/apperr"
)

const day = 24 * time.Hour

var spanPattern = regexp.MustCompile(`^([1-9][0-9]*)([dwmy])(?:([1-9][0-9]*)x)?$`)

// Unit is a calendar span unit.
type Unit byte

const (
	Day   Unit = 'd'
	Week  Unit = 'w'
	Month Unit = 'm'
	Year  Unit = 'y'
)

// Span is a calendar width such as "2w" or "3m4x". The optional multiplier
// repeats the unit amount; "1d" and "1d1x" both denote a single day.
type Span struct {
	Amount     int64
	Unit       Unit
	Multiplier int64
}

// ParseSpan parses the calendar span grammar N(d|w|m|y)[Kx].
func ParseSpan(s string) (Span, error) {
	m := spanPattern.FindStringSubmatch(s)
	if m == nil {
		return Span{}, &apperr.ValidationError{Field: "span", Message: fmt.Sprintf("%q does not match N(d|w|m|y)[Kx]", s)}
	}
	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Span{}, &apperr.ValidationError{Field: "span", Message: err.Error()}
	}
	mult := int64(1)
	if m[3] != "" {
		if mult, err = strconv.ParseInt(m[3], 10, 64); err != nil {
			return Span{}, &apperr.ValidationError{Field: "span", Message: err.Error()}
		}
	}
	sp := Span{Amount: amount, Unit: Unit(m[2][0]), Multiplier: mult}
	if sp.Duration() <= 0 {
		return Span{}, &apperr.ValidationError{Field: "span", Message: fmt.Sprintf("%q overflows", s)}
	}
	return sp, nil
}

// Days returns the span length in days. Months count 30 days and years 365.
func (s Span) Days() int64 {
	var per int64
	switch s.Unit {
	case Day:
		per = 1
	case Week:
		per = 7
	case Month:
		per = 30
	case Year:
		per = 365
	}
	return s.Amount * s.Multiplier * per
}

// Duration returns the span as a fixed width.
func (s Span) Duration() time.Duration {
	d := s.Days()
	if d <= 0 || d > int64(1<<62)/int64(day) {
		return 0
	}
	return time.Duration(d) * day
}

// SingleDay reports whether the span covers exactly one day.
func (s Span) SingleDay() bool { return s.Days() == 1 }

func (s Span) String() string {
	if s.Multiplier > 1 {
		return fmt.Sprintf("%d%c%dx", s.Amount, s.Unit, s.Multiplier)
	}
	return fmt.Sprintf("%d%c", s.Amount, s.Unit)
}
