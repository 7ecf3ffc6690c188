// Package statistics turns consumption samples into hourly cumulative series
// and persists them as external statistics.
package statistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/storage"
	"github.com/raterudder/eonnext/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	// Source prefixes every statistic ID we own.
	Source = "eon_next"
	Unit   = "kWh"

	DefaultClearTimeout = 120 * time.Second
)

// ErrClearTimeout is returned by Clear when the store did not confirm the
// delete in time. The delete keeps running in the background.
var ErrClearTimeout = errors.New("timed out waiting for statistics clear")

var (
	invalidIDChars = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnders = regexp.MustCompile(`_+`)
)

// naiveLayouts are tried when a timestamp carries no zone. They are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// SanitizeID lowercases value and collapses anything that is not a-z, 0-9
// or underscore into single underscores.
func SanitizeID(value string) string {
	s := invalidIDChars.ReplaceAllString(strings.ToLower(value), "_")
	s = repeatedUnders.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// StatisticID returns the external statistic ID for a meter. ok is false for
// meter kinds we do not store.
func StatisticID(serial string, kind types.MeterKind) (string, bool) {
	if !kind.Known() {
		return "", false
	}
	return fmt.Sprintf("%s:%s_%s_consumption", Source, kind, SanitizeID(serial)), true
}

// HourTotal is the consumption inside one UTC hour.
type HourTotal struct {
	Start       time.Time
	Consumption decimal.Decimal
}

// GroupByHour sums samples into UTC hour buckets ordered by time. Samples
// whose timestamp cannot be parsed are skipped.
func GroupByHour(ctx context.Context, samples []types.ConsumptionSample) []HourTotal {
	buckets := map[time.Time]decimal.Decimal{}
	for _, s := range samples {
		ts, ok := ParseIntervalStart(ctx, s.IntervalStart)
		if !ok {
			continue
		}
		hour := ts.UTC().Truncate(time.Hour)
		buckets[hour] = buckets[hour].Add(decimal.NewFromFloat(s.Consumption))
	}

	hours := make([]HourTotal, 0, len(buckets))
	for start, v := range buckets {
		hours = append(hours, HourTotal{Start: start, Consumption: v})
	}
	sort.Slice(hours, func(i, j int) bool {
		return hours[i].Start.Before(hours[j].Start)
	})
	return hours
}

// ParseIntervalStart reads a sample timestamp. Timestamps without a zone are
// read as UTC.
func ParseIntervalStart(ctx context.Context, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			log.Ctx(ctx).DebugContext(ctx, "naive interval start, assuming UTC", slog.String("intervalStart", raw))
			return t, true
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "skipping unparsable interval start", slog.String("intervalStart", raw))
	return time.Time{}, false
}

// Recorder writes consumption into the statistics store.
type Recorder struct {
	db           storage.Database
	clearTimeout time.Duration
}

// NewRecorder returns a Recorder. A zero clearTimeout uses DefaultClearTimeout.
func NewRecorder(db storage.Database, clearTimeout time.Duration) *Recorder {
	if clearTimeout <= 0 {
		clearTimeout = DefaultClearTimeout
	}
	return &Recorder{db: db, clearTimeout: clearTimeout}
}

// StatisticID satisfies the backfill sink contract.
func (r *Recorder) StatisticID(serial string, kind types.MeterKind) (string, bool) {
	return StatisticID(serial, kind)
}

// Import appends samples to the meter's cumulative series. Hours at or
// before the last stored point are skipped so overlapping imports never
// double count.
func (r *Recorder) Import(ctx context.Context, serial string, kind types.MeterKind, samples []types.ConsumptionSample) error {
	id, ok := StatisticID(serial, kind)
	if !ok {
		log.Ctx(ctx).WarnContext(
			ctx,
			"unknown meter kind, skipping statistics import",
			slog.String("serial", serial),
			slog.String("kind", string(kind)),
		)
		return nil
	}

	hours := GroupByHour(ctx, samples)
	if len(hours) == 0 {
		return nil
	}

	last, found, err := r.db.GetLastStatistic(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get last statistic for %s: %w", id, err)
	}

	sum := decimal.Zero
	if found {
		sum = decimal.NewFromFloat(last.Sum)
	}
	points := make([]types.StatisticPoint, 0, len(hours))
	for _, h := range hours {
		if found && !h.Start.After(last.Start) {
			continue
		}
		sum = sum.Add(h.Consumption.Round(3)).Round(3)
		f := sum.InexactFloat64()
		points = append(points, types.StatisticPoint{
			Start: h.Start,
			State: f,
			Sum:   f,
		})
	}
	if len(points) == 0 {
		return nil
	}

	meta := types.StatisticMetadata{
		StatisticID:       id,
		Name:              fmt.Sprintf("%s %s Consumption", serial, fuelTitle(kind)),
		Source:            Source,
		UnitOfMeasurement: Unit,
		HasSum:            true,
	}
	if err := r.db.UpsertStatistics(ctx, meta, points); err != nil {
		return fmt.Errorf("failed to import statistics for %s: %w", id, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "imported hourly statistics", slog.String("statisticID", id), slog.Int("count", len(points)))
	return nil
}

// Clear deletes the given series and waits for confirmation for at most the
// configured timeout.
func (r *Recorder) Clear(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		// the delete is allowed to outlive a timed out caller
		done <- r.db.ClearStatistics(context.WithoutCancel(ctx), ids)
	}()

	timer := time.NewTimer(r.clearTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to clear statistics: %w", err)
		}
		return nil
	case <-timer.C:
		return ErrClearTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fuelTitle(kind types.MeterKind) string {
	switch kind {
	case types.MeterKindGas:
		return "Gas"
	case types.MeterKindElectric:
		return "Electricity"
	}
	return string(kind)
}
