package apperr_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shaharia-lab/pulse/internal/apperr"
)

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *apperr.NotFoundError
		expected string
	}{
		{
			name:     "event",
			err:      &apperr.NotFoundError{Resource: "event", ID: "evt_1"},
			expected: `event "evt_1" not found`,
		},
		{
			name:     "feed",
			err:      &apperr.NotFoundError{Resource: "feed", ID: "fd_x"},
			expected: `feed "fd_x" not found`,
		},
		{
			name:     "empty ID",
			err:      &apperr.NotFoundError{Resource: "alert", ID: ""},
			expected: `alert "" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &apperr.ConflictError{Resource: "event", ID: "E1"}
	assert.Equal(t, `event with id "E1" already exists`, err.Error())
}

func TestValidationError_Error(t *testing.T) {
	assert.Equal(t, `validation error for "method": unknown`,
		(&apperr.ValidationError{Field: "method", Message: "unknown"}).Error())
	assert.Equal(t, "bad input", (&apperr.ValidationError{Message: "bad input"}).Error())
}

func TestLateEventError_Error(t *testing.T) {
	err := &apperr.LateEventError{Start: time.Unix(0, 0), End: time.Unix(60, 0)}
	assert.Equal(t, "late event: bucket [1970-01-01T00:00:00Z, 1970-01-01T00:01:00Z) is closed", err.Error())
}

func TestIndexCorruptionError_Error(t *testing.T) {
	err := &apperr.IndexCorruptionError{Shards: []int{0, 3}}
	assert.Equal(t, "index corruption detected on shard(s) 0,3; recovery required", err.Error())
}

func TestDeliveryError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("delivering: %w", &apperr.DeliveryError{FeedID: "fd_1", Err: cause})

	var de *apperr.DeliveryError
	assert.True(t, errors.As(err, &de))
	assert.False(t, de.Permanent)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, de.Error(), "transient")

	de.Permanent = true
	assert.Contains(t, de.Error(), "permanent")
}

func TestBackpressureError_Error(t *testing.T) {
	err := &apperr.BackpressureError{FeedID: "fd_1", Capacity: 8}
	assert.Equal(t, `feed "fd_1" buffer is full (capacity 8)`, err.Error())
}
