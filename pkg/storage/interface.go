package storage

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/eonnext/pkg/types"
)

var (
	ErrEmptyEntryID     = errors.New("entryID cannot be empty")
	ErrEmptyStatisticID = errors.New("statisticID cannot be empty")
)

// Database defines the interface for persisting entry state and statistics.
type Database interface {
	// Backfill progress
	// GetBackfillState returns found=false when the entry has never saved a
	// state document.
	GetBackfillState(ctx context.Context, entryID string) (state types.BackfillState, version int, found bool, err error)
	SetBackfillState(ctx context.Context, entryID string, state types.BackfillState, version int) error

	// Options
	GetOptions(ctx context.Context, entryID string) (types.BackfillOptions, int, error)
	SetOptions(ctx context.Context, entryID string, options types.BackfillOptions, version int) error

	// Credentials are stored already sealed. A missing document returns nil.
	GetCredentials(ctx context.Context, entryID string) ([]byte, error)
	SetCredentials(ctx context.Context, entryID string, sealed []byte) error

	// Statistics
	GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error)
	UpsertStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error
	GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error)
	ClearStatistics(ctx context.Context, statisticIDs []string) error

	// Lifecycle
	Close() error
}

// statisticDocID is the ordered key of a statistic point. RFC3339 in UTC
// sorts lexicographically in time order.
func statisticDocID(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
