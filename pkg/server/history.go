package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/statistics"
	"github.com/raterudder/eonnext/pkg/types"
)

// maxHistoryRange bounds a single statistics query.
const maxHistoryRange = 31 * 24 * time.Hour

type statisticsHistory struct {
	StatisticID string                 `json:"statistic_id"`
	Points      []types.StatisticPoint `json:"points"`
}

func (s *Server) handleHistoryStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	serial := r.URL.Query().Get("serial")
	kind := types.MeterKind(r.URL.Query().Get("type"))
	id, ok := statistics.StatisticID(serial, kind)
	if !ok || serial == "" {
		writeJSONError(w, "serial and a type of electricity or gas are required", http.StatusBadRequest)
		return
	}

	points, err := s.storage.GetStatistics(ctx, id, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistics", slog.String("statisticID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get statistics", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []types.StatisticPoint{}
	}

	// Set Cache-Control headers
	// If the range ends before today, cache for an hour.
	// Otherwise, cache for 1 minute.
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=3600")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, statisticsHistory{StatisticID: id, Points: points})
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %d days", int(maxHistoryRange.Hours()/24))
	}

	return start, end, nil
}
