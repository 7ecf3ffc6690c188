package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Entry documents live under entries/{entryID}/config and statistic series
// under statistics/{statisticID}/points.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is allowed and detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) configDoc(entryID, name string) (*firestore.DocumentRef, error) {
	if entryID == "" {
		return nil, ErrEmptyEntryID
	}
	return f.client.Collection("entries").Doc(entryID).Collection("config").Doc(name), nil
}

func (f *FirestoreProvider) statisticDoc(statisticID string) (*firestore.DocumentRef, error) {
	if statisticID == "" {
		return nil, ErrEmptyStatisticID
	}
	return f.client.Collection("statistics").Doc(statisticID), nil
}

// readJSONDoc decodes the "json" field of a versioned document into dest.
// It returns found=false when the document does not exist.
func readJSONDoc(ctx context.Context, ref *firestore.DocumentRef, dest any) (int, bool, error) {
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to fetch %s doc: %w", ref.ID, err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", ref.Path))
		return 0, false, fmt.Errorf("%s document missing 'json' field: %w", ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", ref.Path))
		return 0, false, fmt.Errorf("%s 'json' field is not a string", ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("path", ref.Path), slog.Any("error", err))
		return 0, false, fmt.Errorf("failed to unmarshal %s json: %w", ref.ID, err)
	}
	return version, true, nil
}

func writeJSONDoc(ctx context.Context, ref *firestore.DocumentRef, v any, version int) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", ref.ID, err)
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", ref.ID, err)
	}
	return nil
}

// GetBackfillState retrieves the "config/backfill" document of an entry.
func (f *FirestoreProvider) GetBackfillState(ctx context.Context, entryID string) (types.BackfillState, int, bool, error) {
	ref, err := f.configDoc(entryID, "backfill")
	if err != nil {
		return types.BackfillState{}, 0, false, err
	}
	var s types.BackfillState
	version, found, err := readJSONDoc(ctx, ref, &s)
	if err != nil || !found {
		return types.BackfillState{}, 0, false, err
	}
	return s, version, true, nil
}

// SetBackfillState replaces the "config/backfill" document of an entry.
func (f *FirestoreProvider) SetBackfillState(ctx context.Context, entryID string, state types.BackfillState, version int) error {
	ref, err := f.configDoc(entryID, "backfill")
	if err != nil {
		return err
	}
	return writeJSONDoc(ctx, ref, state, version)
}

// GetOptions retrieves the "config/options" document. A missing document
// returns zero options at version 0 so the caller migrates in defaults.
func (f *FirestoreProvider) GetOptions(ctx context.Context, entryID string) (types.BackfillOptions, int, error) {
	ref, err := f.configDoc(entryID, "options")
	if err != nil {
		return types.BackfillOptions{}, 0, err
	}
	var o types.BackfillOptions
	version, found, err := readJSONDoc(ctx, ref, &o)
	if err != nil || !found {
		return types.BackfillOptions{}, 0, err
	}
	return o, version, nil
}

// SetOptions saves the "config/options" document.
func (f *FirestoreProvider) SetOptions(ctx context.Context, entryID string, options types.BackfillOptions, version int) error {
	ref, err := f.configDoc(entryID, "options")
	if err != nil {
		return err
	}
	return writeJSONDoc(ctx, ref, options, version)
}

// GetCredentials retrieves the sealed credentials blob.
func (f *FirestoreProvider) GetCredentials(ctx context.Context, entryID string) ([]byte, error) {
	ref, err := f.configDoc(entryID, "credentials")
	if err != nil {
		return nil, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch credentials doc: %w", err)
	}
	val, err := doc.DataAt("sealed")
	if err != nil {
		return nil, fmt.Errorf("credentials document missing 'sealed' field: %w", err)
	}
	b, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("credentials 'sealed' field is not bytes")
	}
	return b, nil
}

// SetCredentials saves the sealed credentials blob.
func (f *FirestoreProvider) SetCredentials(ctx context.Context, entryID string, sealed []byte) error {
	ref, err := f.configDoc(entryID, "credentials")
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, map[string]interface{}{
		"sealed":  sealed,
		"updated": time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetLastStatistic returns the most recent point of a series.
func (f *FirestoreProvider) GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error) {
	ref, err := f.statisticDoc(statisticID)
	if err != nil {
		return types.StatisticPoint{}, false, err
	}
	iter := ref.Collection("points").
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.StatisticPoint{}, false, nil
	}
	if err != nil {
		return types.StatisticPoint{}, false, fmt.Errorf("failed to get last statistic for %s: %w", statisticID, err)
	}
	p, err := decodePoint(doc)
	if err != nil {
		return types.StatisticPoint{}, false, err
	}
	return p, true, nil
}

// UpsertStatistics writes the series metadata and each point keyed by its
// hour start.
func (f *FirestoreProvider) UpsertStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	ref, err := f.statisticDoc(meta.StatisticID)
	if err != nil {
		return err
	}
	if err := writeJSONDoc(ctx, ref, meta, 0); err != nil {
		return err
	}

	bw := f.client.BulkWriter(ctx)
	for _, p := range points {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal statistic point: %w", err)
		}
		if _, err := bw.Set(ref.Collection("points").Doc(statisticDocID(p.Start)), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Start,
		}); err != nil {
			bw.End()
			return fmt.Errorf("failed to queue statistic point: %w", err)
		}
	}
	bw.End()
	return nil
}

// GetStatistics returns the points in [start, end) ordered by time.
func (f *FirestoreProvider) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	ref, err := f.statisticDoc(statisticID)
	if err != nil {
		return nil, err
	}
	coll := ref.Collection("points")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(statisticDocID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(statisticDocID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics: %w", err)
		}
		p, err := decodePoint(doc)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// ClearStatistics deletes the metadata and every point of the given series.
// The metadata document is only removed once every point delete succeeded,
// so a failed clear can be retried.
func (f *FirestoreProvider) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	for _, id := range statisticIDs {
		ref, err := f.statisticDoc(id)
		if err != nil {
			return err
		}
		iter := ref.Collection("points").Documents(ctx)
		bw := f.client.BulkWriter(ctx)
		var jobs []bulkJob
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				bw.End()
				return fmt.Errorf("error iterating statistics for %s: %w", id, err)
			}
			job, err := bw.Delete(doc.Ref)
			if err != nil {
				iter.Stop()
				bw.End()
				return fmt.Errorf("failed to queue delete for %s: %w", doc.Ref.ID, err)
			}
			jobs = append(jobs, job)
		}
		iter.Stop()
		bw.End()
		if err := bulkJobsErr(jobs); err != nil {
			return fmt.Errorf("failed to delete statistics for %s: %w", id, err)
		}
		if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to delete statistic %s: %w", id, err)
		}
	}
	return nil
}

// bulkJob is satisfied by *firestore.BulkWriterJob.
type bulkJob interface {
	Results() (*firestore.WriteResult, error)
}

// bulkJobsErr collects the failures of jobs that have already been flushed.
// A point that is already gone counts as deleted.
func bulkJobsErr(jobs []bulkJob) error {
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d deletes failed: %w", len(errs), len(jobs), errors.Join(errs...))
}

func decodePoint(doc *firestore.DocumentSnapshot) (types.StatisticPoint, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return types.StatisticPoint{}, fmt.Errorf("statistic point %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.StatisticPoint{}, fmt.Errorf("statistic point %s 'json' field is not string", doc.Ref.ID)
	}
	var p types.StatisticPoint
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return types.StatisticPoint{}, fmt.Errorf("failed to unmarshal statistic point (id=%s): %w", doc.Ref.ID, err)
	}
	return p, nil
}
