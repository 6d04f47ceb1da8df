package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/pieceflow/pieceflow/pkg/queue"
)

// MockQueue is a mock implementation of the queue.Queue interface.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, job queue.Job) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}

func (m *MockQueue) Claim(ctx context.Context, workerID string) (*queue.Lease, error) {
	args := m.Called(ctx, workerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*queue.Lease), args.Error(1)
}

func (m *MockQueue) Renew(ctx context.Context, lease *queue.Lease) error {
	args := m.Called(ctx, lease)

	return args.Error(0)
}

func (m *MockQueue) Complete(ctx context.Context, lease *queue.Lease) error {
	args := m.Called(ctx, lease)

	return args.Error(0)
}

func (m *MockQueue) Release(ctx context.Context, lease *queue.Lease) error {
	args := m.Called(ctx, lease)

	return args.Error(0)
}

func (m *MockQueue) Requeue(ctx context.Context, lease *queue.Lease, delay time.Duration) error {
	args := m.Called(ctx, lease, delay)

	return args.Error(0)
}

func (m *MockQueue) Stats(ctx context.Context) (queue.Stats, error) {
	args := m.Called(ctx)

	return args.Get(0).(queue.Stats), args.Error(1)
}

func (m *MockQueue) Close() error {
	args := m.Called()

	return args.Error(0)
}
