package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/shaharia-lab/pulse/internal/notification"
)

// MockSink is a mock implementation of notification.Sink.
type MockSink struct {
	mock.Mock
}

//nolint:revive
func (m *MockSink) Deliver(ctx context.Context, d notification.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

// MockDeliveryLog is a mock implementation of notification.DeliveryLog.
type MockDeliveryLog struct {
	mock.Mock
}

//nolint:revive
func (m *MockDeliveryLog) RecordDelivery(ctx context.Context, rec notification.DeliveryRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
