package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
)

// BadgerProvider implements the Database interface on an embedded badger
// store. It is the default for single host installs. An empty dir keeps
// everything in memory.
type BadgerProvider struct {
	db  *badger.DB
	dir string
}

var _ Database = (*BadgerProvider)(nil)

// storedDoc mirrors the {json, version} layout used for Firestore documents.
type storedDoc struct {
	JSON    string `json:"json"`
	Version int    `json:"version"`
}

func configuredBadger() *BadgerProvider {
	dir := lflag.String("badger-dir", "./data", "Directory for the badger store (empty keeps data in memory)")

	b := &BadgerProvider{}
	lflag.Do(func() {
		b.dir = *dir
	})
	return b
}

// NewBadgerProvider opens a badger store rooted at dir.
func NewBadgerProvider(ctx context.Context, dir string) (*BadgerProvider, error) {
	b := &BadgerProvider{dir: dir}
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Init opens the underlying database.
func (b *BadgerProvider) Init(ctx context.Context) error {
	opts := badger.DefaultOptions(b.dir).
		WithLogger(badgerLogger{logger: log.Ctx(ctx)}).
		// the default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	if b.dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create badger dir %s: %w", b.dir, err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open badger (dir=%s): %w", b.dir, err)
	}
	b.db = db
	return nil
}

// Close closes the badger database.
func (b *BadgerProvider) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func entryKey(entryID, name string) ([]byte, error) {
	if entryID == "" {
		return nil, ErrEmptyEntryID
	}
	return []byte("entry/" + entryID + "/" + name), nil
}

func statisticPrefix(statisticID string) ([]byte, error) {
	if statisticID == "" {
		return nil, ErrEmptyStatisticID
	}
	return []byte("stat/" + statisticID + "/"), nil
}

func (b *BadgerProvider) getDoc(key []byte, dest any) (int, bool, error) {
	var doc storedDoc
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc.JSON), dest); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal %s json: %w", key, err)
	}
	return doc.Version, true, nil
}

func (b *BadgerProvider) setDoc(key []byte, v any, version int) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	val, err := json.Marshal(storedDoc{JSON: string(jsonBytes), Version: version})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// GetBackfillState retrieves the backfill document of an entry.
func (b *BadgerProvider) GetBackfillState(ctx context.Context, entryID string) (types.BackfillState, int, bool, error) {
	key, err := entryKey(entryID, "backfill")
	if err != nil {
		return types.BackfillState{}, 0, false, err
	}
	var s types.BackfillState
	version, found, err := b.getDoc(key, &s)
	if err != nil || !found {
		return types.BackfillState{}, 0, false, err
	}
	return s, version, true, nil
}

// SetBackfillState replaces the backfill document of an entry.
func (b *BadgerProvider) SetBackfillState(ctx context.Context, entryID string, state types.BackfillState, version int) error {
	key, err := entryKey(entryID, "backfill")
	if err != nil {
		return err
	}
	return b.setDoc(key, state, version)
}

// GetOptions retrieves the options document of an entry.
func (b *BadgerProvider) GetOptions(ctx context.Context, entryID string) (types.BackfillOptions, int, error) {
	key, err := entryKey(entryID, "options")
	if err != nil {
		return types.BackfillOptions{}, 0, err
	}
	var o types.BackfillOptions
	version, found, err := b.getDoc(key, &o)
	if err != nil || !found {
		return types.BackfillOptions{}, 0, err
	}
	return o, version, nil
}

// SetOptions saves the options document of an entry.
func (b *BadgerProvider) SetOptions(ctx context.Context, entryID string, options types.BackfillOptions, version int) error {
	key, err := entryKey(entryID, "options")
	if err != nil {
		return err
	}
	return b.setDoc(key, options, version)
}

// GetCredentials returns the sealed credentials, or nil if none are stored.
func (b *BadgerProvider) GetCredentials(ctx context.Context, entryID string) ([]byte, error) {
	key, err := entryKey(entryID, "credentials")
	if err != nil {
		return nil, err
	}
	var sealed []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return sealed, nil
}

// SetCredentials stores the sealed credentials as-is.
func (b *BadgerProvider) SetCredentials(ctx context.Context, entryID string, sealed []byte) error {
	key, err := entryKey(entryID, "credentials")
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, sealed)
	}); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetLastStatistic seeks to the end of the series' points and reads
// backwards one item.
func (b *BadgerProvider) GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error) {
	prefix, err := statisticPrefix(statisticID)
	if err != nil {
		return types.StatisticPoint{}, false, err
	}
	pointPrefix := append(prefix, "p/"...)

	var p types.StatisticPoint
	var found bool
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = pointPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xff sorts after every RFC3339 character
		it.Seek(append(append([]byte{}, pointPrefix...), 0xff))
		if !it.ValidForPrefix(pointPrefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		return types.StatisticPoint{}, false, fmt.Errorf("failed to get last statistic for %s: %w", statisticID, err)
	}
	return p, found, nil
}

// UpsertStatistics writes the metadata and points in one transaction.
func (b *BadgerProvider) UpsertStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	prefix, err := statisticPrefix(meta.StatisticID)
	if err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(string(prefix)+"meta"), metaBytes); err != nil {
			return err
		}
		for _, p := range points {
			val, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal statistic point: %w", err)
			}
			if err := txn.Set([]byte(string(prefix)+"p/"+statisticDocID(p.Start)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert statistics for %s: %w", meta.StatisticID, err)
	}
	return nil
}

// GetStatistics returns the points in [start, end) ordered by time.
func (b *BadgerProvider) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	prefix, err := statisticPrefix(statisticID)
	if err != nil {
		return nil, err
	}
	pointPrefix := string(prefix) + "p/"
	startKey := []byte(pointPrefix + statisticDocID(start))
	endKey := pointPrefix + statisticDocID(end)

	var points []types.StatisticPoint
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(startKey); it.Valid(); it.Next() {
			item := it.Item()
			if strings.Compare(string(item.Key()), endKey) >= 0 {
				break
			}
			var p types.StatisticPoint
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal statistic point %s: %w", item.Key(), err)
			}
			points = append(points, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating statistics: %w", err)
	}
	return points, nil
}

// clearBatchSize bounds how many deletes go into one transaction.
const clearBatchSize = 1000

// ClearStatistics deletes every key belonging to the given series.
func (b *BadgerProvider) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	for _, id := range statisticIDs {
		prefix, err := statisticPrefix(id)
		if err != nil {
			return err
		}
		var keys [][]byte
		err = b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list statistics for %s: %w", id, err)
		}
		for len(keys) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(len(keys), clearBatchSize)
			batch := keys[:n]
			keys = keys[n:]
			if err := b.db.Update(func(txn *badger.Txn) error {
				for _, k := range batch {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return fmt.Errorf("failed to clear statistics for %s: %w", id, err)
			}
		}
	}
	return nil
}

// badgerLogger routes badger's printf style logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, args...)), slog.String("component", "badger"))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, args...)), slog.String("component", "badger"))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(msg, args...)), slog.String("component", "badger"))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, args...)), slog.String("component", "badger"))
}
