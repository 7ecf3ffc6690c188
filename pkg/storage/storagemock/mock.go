package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/eonnext/pkg/storage"
	"github.com/raterudder/eonnext/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetBackfillState(ctx context.Context, entryID string) (types.BackfillState, int, bool, error) {
	args := m.Called(ctx, entryID)
	if len(args) > 0 {
		return args.Get(0).(types.BackfillState), args.Int(1), args.Bool(2), args.Error(3)
	}
	return types.BackfillState{}, 0, false, nil
}

func (m *MockDatabase) SetBackfillState(ctx context.Context, entryID string, state types.BackfillState, version int) error {
	args := m.Called(ctx, entryID, state, version)
	return args.Error(0)
}

func (m *MockDatabase) GetOptions(ctx context.Context, entryID string) (types.BackfillOptions, int, error) {
	args := m.Called(ctx, entryID)
	if len(args) > 0 {
		return args.Get(0).(types.BackfillOptions), args.Int(1), args.Error(2)
	}
	return types.BackfillOptions{}, 0, nil
}

func (m *MockDatabase) SetOptions(ctx context.Context, entryID string, options types.BackfillOptions, version int) error {
	args := m.Called(ctx, entryID, options, version)
	return args.Error(0)
}

func (m *MockDatabase) GetCredentials(ctx context.Context, entryID string) ([]byte, error) {
	args := m.Called(ctx, entryID)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) SetCredentials(ctx context.Context, entryID string, sealed []byte) error {
	args := m.Called(ctx, entryID, sealed)
	return args.Error(0)
}

func (m *MockDatabase) GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error) {
	args := m.Called(ctx, statisticID)
	if len(args) > 0 {
		return args.Get(0).(types.StatisticPoint), args.Bool(1), args.Error(2)
	}
	return types.StatisticPoint{}, false, nil
}

func (m *MockDatabase) UpsertStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	args := m.Called(ctx, meta, points)
	return args.Error(0)
}

func (m *MockDatabase) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, statisticID, start, end)
	if p, ok := args.Get(0).([]types.StatisticPoint); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	args := m.Called(ctx, statisticIDs)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
