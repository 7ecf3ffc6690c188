package types

import (
	"fmt"
	"maps"
	"time"
)

// CurrentBackfillStateVersion is the schema version written with every
// backfill state document. Increment it when adding fields that need a
// migration in MigrateBackfillState.
const CurrentBackfillStateVersion = 1

// BackfillState is the persisted progress of the historical backfill for one
// entry.
type BackfillState struct {
	Version     int  `json:"version"`
	Initialized bool `json:"initialized"`
	RebuildDone bool `json:"rebuild_done"`
	// LookbackDays is the window in use when the cursors were last seeded.
	LookbackDays int `json:"lookback_days"`
	// Meters is keyed by meter serial number.
	Meters map[string]MeterProgress `json:"meters"`
}

// MeterProgress is the cursor for a single meter.
type MeterProgress struct {
	// NextStart is the first day (YYYY-MM-DD) not yet fetched.
	NextStart string `json:"next_start"`
	Done      bool   `json:"done"`
}

// NewBackfillState returns the state used when nothing has been stored yet.
func NewBackfillState() BackfillState {
	return BackfillState{
		Version: CurrentBackfillStateVersion,
		Meters:  map[string]MeterProgress{},
	}
}

// Clone returns a copy that does not share the meters map.
func (s BackfillState) Clone() BackfillState {
	c := s
	c.Meters = maps.Clone(s.Meters)
	if c.Meters == nil {
		c.Meters = map[string]MeterProgress{}
	}
	return c
}

// MigrateBackfillState upgrades a stored document to the current version.
// Missing fields are default-filled rather than assumed present.
func MigrateBackfillState(s BackfillState, currentVersion int) (BackfillState, bool, error) {
	migrated := false
	if s.Meters == nil {
		s.Meters = map[string]MeterProgress{}
		migrated = true
	}
	if currentVersion >= CurrentBackfillStateVersion {
		s.Version = currentVersion
		return s, migrated, nil
	}

	for version := currentVersion + 1; version <= CurrentBackfillStateVersion; version++ {
		switch version {
		case 1:
			// version 1: unversioned documents share the same shape and only
			// need the version stamped
			migrated = true
		default:
			return s, false, fmt.Errorf("unknown backfill state version: %d", version)
		}
	}
	s.Version = CurrentBackfillStateVersion
	return s, migrated, nil
}

// CurrentBackfillOptionsVersion is the schema version of BackfillOptions.
const CurrentBackfillOptionsVersion = 1

// Option bounds, matching what the options form accepts.
const (
	MinLookbackDays       = 1
	MaxLookbackDays       = 36500
	MinChunkDays          = 1
	MaxChunkDays          = 31
	MinRequestsPerRun     = 1
	MaxRequestsPerRun     = 10
	MinRunIntervalMinutes = 1
	MaxRunIntervalMinutes = 1440
	MinDelaySeconds       = 0
	MaxDelaySeconds       = 3600
)

// BackfillOptions are the user tunable knobs of the backfill. They are read
// fresh at the start of every cycle.
type BackfillOptions struct {
	Enabled            bool `json:"enabled"`
	RebuildStatistics  bool `json:"rebuild_statistics"`
	LookbackDays       int  `json:"lookback_days"`
	ChunkDays          int  `json:"chunk_days"`
	RequestsPerRun     int  `json:"requests_per_run"`
	RunIntervalMinutes int  `json:"run_interval_minutes"`
	DelaySeconds       int  `json:"delay_seconds"`
}

// DefaultBackfillOptions returns the options of a freshly created entry.
func DefaultBackfillOptions() BackfillOptions {
	return BackfillOptions{
		Enabled:            false,
		RebuildStatistics:  false,
		LookbackDays:       3650,
		ChunkDays:          1,
		RequestsPerRun:     2,
		RunIntervalMinutes: 60,
		DelaySeconds:       300,
	}
}

// RunInterval is the sleep between cycles.
func (o BackfillOptions) RunInterval() time.Duration {
	return time.Duration(o.RunIntervalMinutes) * time.Minute
}

// Delay is the sleep between chunk requests inside a cycle.
func (o BackfillOptions) Delay() time.Duration {
	return time.Duration(o.DelaySeconds) * time.Second
}

// Validate checks every numeric option against its allowed range.
func (o BackfillOptions) Validate() error {
	checks := []struct {
		name     string
		val      int
		min, max int
	}{
		{"lookback_days", o.LookbackDays, MinLookbackDays, MaxLookbackDays},
		{"chunk_days", o.ChunkDays, MinChunkDays, MaxChunkDays},
		{"requests_per_run", o.RequestsPerRun, MinRequestsPerRun, MaxRequestsPerRun},
		{"run_interval_minutes", o.RunIntervalMinutes, MinRunIntervalMinutes, MaxRunIntervalMinutes},
		{"delay_seconds", o.DelaySeconds, MinDelaySeconds, MaxDelaySeconds},
	}
	for _, c := range checks {
		if c.val < c.min || c.val > c.max {
			return fmt.Errorf("%s must be between %d and %d, got %d", c.name, c.min, c.max, c.val)
		}
	}
	return nil
}

// MigrateBackfillOptions fills in defaults for options stored by an older
// version.
func MigrateBackfillOptions(o BackfillOptions, currentVersion int) (BackfillOptions, bool, error) {
	if currentVersion >= CurrentBackfillOptionsVersion {
		return o, false, nil
	}
	if currentVersion == 0 && o == (BackfillOptions{}) {
		return DefaultBackfillOptions(), true, nil
	}

	migrated := false
	def := DefaultBackfillOptions()
	for version := currentVersion + 1; version <= CurrentBackfillOptionsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if o.LookbackDays == 0 {
				o.LookbackDays = def.LookbackDays
				migrated = true
			}
			if o.ChunkDays == 0 {
				o.ChunkDays = def.ChunkDays
				migrated = true
			}
			if o.RequestsPerRun == 0 {
				o.RequestsPerRun = def.RequestsPerRun
				migrated = true
			}
			if o.RunIntervalMinutes == 0 {
				o.RunIntervalMinutes = def.RunIntervalMinutes
				migrated = true
			}
			// a zero delay is valid so it is left alone
		default:
			return o, false, fmt.Errorf("unknown backfill options version: %d", version)
		}
	}
	return o, migrated, nil
}
