package backfill

import (
	"time"

	"github.com/raterudder/eonnext/pkg/types"
)

// Status is a point in time snapshot of the backfill.
type Status struct {
	State           State                  `json:"state"`
	Enabled         bool                   `json:"enabled"`
	Initialized     bool                   `json:"initialized"`
	RebuildDone     bool                   `json:"rebuild_done"`
	LookbackDays    int                    `json:"lookback_days"`
	TotalMeters     int                    `json:"total_meters"`
	CompletedMeters int                    `json:"completed_meters"`
	PendingMeters   int                    `json:"pending_meters"`
	NextStartDate   *string                `json:"next_start_date"`
	MetersProgress  map[string]MeterStatus `json:"meters_progress"`
}

// MeterStatus is the progress of one meter, counted in days from the start
// of the lookback window.
type MeterStatus struct {
	NextStart     string `json:"next_start,omitempty"`
	Done          bool   `json:"done"`
	DaysCompleted int    `json:"days_completed"`
	DaysRemaining int    `json:"days_remaining"`
}

// buildStatus never mutates state. A nil state means nothing has been
// loaded yet.
func buildStatus(state *types.BackfillState, opts types.BackfillOptions, meters []types.Meter, today time.Time) Status {
	s := Status{
		Enabled:        opts.Enabled,
		LookbackDays:   opts.LookbackDays,
		TotalMeters:    len(meters),
		PendingMeters:  len(meters),
		MetersProgress: make(map[string]MeterStatus, len(meters)),
	}
	if state != nil {
		s.Initialized = state.Initialized
		s.RebuildDone = state.RebuildDone
		if state.LookbackDays > 0 {
			s.LookbackDays = state.LookbackDays
		}
	}

	windowStart := today.AddDate(0, 0, -(s.LookbackDays - 1))
	for _, meter := range meters {
		var progress types.MeterProgress
		var known bool
		if state != nil {
			progress, known = state.Meters[meter.Serial]
		}

		ms := MeterStatus{NextStart: progress.NextStart, Done: progress.Done}
		switch {
		case !known:
		case progress.Done:
			ms.DaysCompleted = s.LookbackDays
			s.CompletedMeters++
		default:
			if next, err := parseDate(progress.NextStart); err == nil {
				ms.DaysCompleted = min(max(daysBetween(windowStart, next), 0), s.LookbackDays)
			}
			if s.NextStartDate == nil || progress.NextStart < *s.NextStartDate {
				d := progress.NextStart
				s.NextStartDate = &d
			}
		}
		ms.DaysRemaining = s.LookbackDays - ms.DaysCompleted
		s.MetersProgress[meter.Serial] = ms
	}
	if state != nil {
		s.PendingMeters = s.TotalMeters - s.CompletedMeters
	}
	s.State = ComputeState(s.Enabled, s.Initialized, s.PendingMeters)
	return s
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
