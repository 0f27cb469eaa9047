package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) SubmitOnce(ctx context.Context, name, taskType string, payload any, delay time.Duration) error {
	args := m.Called(ctx, name, taskType, payload, delay)
	return args.Error(0)
}

func (m *MockScheduler) Close() error {
	args := m.Called()
	return args.Error(0)
}
