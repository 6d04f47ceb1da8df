package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/persistence"
)

// MockFlowRepository is a mock implementation of the
// persistence.FlowRepository interface.
type MockFlowRepository struct {
	mock.Mock
}

func (m *MockFlowRepository) SaveVersion(ctx context.Context, version *models.FlowVersion) error {
	args := m.Called(ctx, version)

	return args.Error(0)
}

func (m *MockFlowRepository) LockVersion(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	args := m.Called(ctx, versionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowVersion), args.Error(1)
}

func (m *MockFlowRepository) VersionByID(ctx context.Context, versionID string) (*models.FlowVersion, error) {
	args := m.Called(ctx, versionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowVersion), args.Error(1)
}

func (m *MockFlowRepository) VersionsByFlow(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	args := m.Called(ctx, flowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowVersion), args.Error(1)
}

func (m *MockFlowRepository) ActiveVersions(ctx context.Context) ([]*models.FlowVersion, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowVersion), args.Error(1)
}

// MockRunRepository is a mock implementation of the
// persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) CreateRun(ctx context.Context, run *models.ExecutionRun) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) RunByID(ctx context.Context, runID string) (*models.ExecutionRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ExecutionRun), args.Error(1)
}

func (m *MockRunRepository) SaveRun(ctx context.Context, run *models.ExecutionRun) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) RecordStep(ctx context.Context, runID string, step *models.StepExecution) error {
	args := m.Called(ctx, runID, step)

	return args.Error(0)
}

func (m *MockRunRepository) RequestStop(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)

	return args.Error(0)
}

func (m *MockRunRepository) StopRequested(ctx context.Context, runID string) (bool, error) {
	args := m.Called(ctx, runID)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.ExecutionRun, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionRun), args.Error(1)
}

// MockPersistence is a mock implementation of the
// persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) Flows() persistence.FlowRepository {
	args := m.Called()

	return args.Get(0).(persistence.FlowRepository)
}

func (m *MockPersistence) Runs() persistence.RunRepository {
	args := m.Called()

	return args.Get(0).(persistence.RunRepository)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
