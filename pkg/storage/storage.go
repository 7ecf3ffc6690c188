package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
)

// BackfillStore scopes the backfill state document to a single entry so
// several entries can share one database without colliding.
type BackfillStore struct {
	db      Database
	entryID string
}

// NewBackfillStore returns a store for the entry's backfill state.
func NewBackfillStore(db Database, entryID string) *BackfillStore {
	return &BackfillStore{db: db, entryID: entryID}
}

// Load returns nil when no document has been saved yet. Older documents are
// migrated to the current version on the way out.
func (b *BackfillStore) Load(ctx context.Context) (*types.BackfillState, error) {
	state, version, found, err := b.db.GetBackfillState(ctx, b.entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load backfill state: %w", err)
	}
	if !found {
		return nil, nil
	}
	state, migrated, err := types.MigrateBackfillState(state, version)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate backfill state: %w", err)
	}
	if migrated {
		log.Ctx(ctx).DebugContext(
			ctx,
			"migrated backfill state",
			slog.String("entryID", b.entryID),
			slog.Int("fromVersion", version),
			slog.Int("toVersion", state.Version),
		)
	}
	return &state, nil
}

// Save writes the whole document at the current version.
func (b *BackfillStore) Save(ctx context.Context, state types.BackfillState) error {
	state.Version = types.CurrentBackfillStateVersion
	if err := b.db.SetBackfillState(ctx, b.entryID, state, types.CurrentBackfillStateVersion); err != nil {
		return fmt.Errorf("failed to save backfill state: %w", err)
	}
	return nil
}
