// Package backfill slowly imports historical consumption into the statistics
// store. Progress is kept per meter and persisted after every step so the
// work survives restarts.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/eonnext/pkg/eonnext"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/statistics"
	"github.com/raterudder/eonnext/pkg/types"
)

// StateStore persists the backfill state. Load returns nil when nothing has
// been saved yet.
type StateStore interface {
	Load(ctx context.Context) (*types.BackfillState, error)
	Save(ctx context.Context, state types.BackfillState) error
}

// DataSource fetches consumption for the whole days start through end.
type DataSource interface {
	FetchRange(ctx context.Context, meter types.Meter, start, end time.Time) ([]types.ConsumptionSample, error)
}

// Sink stores imported consumption as statistics.
type Sink interface {
	Clear(ctx context.Context, statisticIDs []string) error
	Import(ctx context.Context, serial string, kind types.MeterKind, samples []types.ConsumptionSample) error
	StatisticID(serial string, kind types.MeterKind) (string, bool)
}

// Roster lists the meters currently on the account.
type Roster interface {
	Meters() []types.Meter
}

// Config holds the collaborators of a Manager. Store, Source, Sink, Roster
// and Options are required.
type Config struct {
	Store   StateStore
	Source  DataSource
	Sink    Sink
	Roster  Roster
	Options func() types.BackfillOptions
	// Gate is shared with the polling loop. One is created when nil.
	Gate *Gate
	// Location decides what "today" is. Defaults to UTC.
	Location *time.Location
	// Registerer exports metrics when set.
	Registerer prometheus.Registerer
	// AuthFailed is called from the loop when a cycle fails to authenticate.
	AuthFailed func(ctx context.Context, err error)

	now func() time.Time
}

// Manager runs the historical backfill for one entry.
type Manager struct {
	store      StateStore
	source     DataSource
	sink       Sink
	roster     Roster
	options    func() types.BackfillOptions
	gate       *Gate
	loc        *time.Location
	now        func() time.Time
	authFailed func(ctx context.Context, err error)
	metrics    *metrics

	// cycleMu serializes loading and cycles so there is a single writer
	cycleMu sync.Mutex

	mu    sync.Mutex
	state *types.BackfillState

	listenersMu sync.Mutex
	listeners   []*listener

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type listener struct {
	fn func()
}

// New returns a Manager. Nothing is loaded until Prime or Start.
func New(cfg Config) *Manager {
	m := &Manager{
		store:      cfg.Store,
		source:     cfg.Source,
		sink:       cfg.Sink,
		roster:     cfg.Roster,
		options:    cfg.Options,
		gate:       cfg.Gate,
		loc:        cfg.Location,
		now:        cfg.now,
		authFailed: cfg.AuthFailed,
		metrics:    newMetrics(cfg.Registerer),
	}
	if m.gate == nil {
		m.gate = NewGate()
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Gate returns the gate the polling loop should consult.
func (m *Manager) Gate() *Gate {
	return m.gate
}

// Prime loads the state and applies the gate. It must finish before the
// polling loop's first refresh. Calling it again does not reload.
func (m *Manager) Prime(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	m.syncGate(ctx, m.eligibleMeters(), m.currentOptions())
	return nil
}

// Start launches the background loop. It does nothing if the loop is already
// running. Cancelling ctx stops the loop just like Stop.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil {
		select {
		case <-m.done:
			// the parent context ended the previous loop
			m.cancel()
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	log.Ctx(ctx).DebugContext(ctx, "historical backfill started")
}

// Stop cancels the background loop and waits for it to exit. It does
// nothing if the loop is not running.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// AddListener registers fn to be called after every save and gate update.
// The returned func removes it.
func (m *Manager) AddListener(fn func()) func() {
	l := &listener{fn: fn}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		m.listeners = slices.DeleteFunc(m.listeners, func(o *listener) bool {
			return o == l
		})
	}
}

func (m *Manager) notify(ctx context.Context) {
	m.listenersMu.Lock()
	ls := slices.Clone(m.listeners)
	m.listenersMu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Ctx(ctx).DebugContext(ctx, "backfill status listener failed", slog.Any("panic", r))
				}
			}()
			l.fn()
		}()
	}
}

// Status returns a snapshot of the progress. It is safe to call at any time,
// including before Prime.
func (m *Manager) Status() Status {
	m.mu.Lock()
	var state *types.BackfillState
	if m.state != nil {
		c := m.state.Clone()
		state = &c
	}
	m.mu.Unlock()
	return buildStatus(state, m.currentOptions(), m.eligibleMeters(), m.today())
}

// SyncGate recomputes the gate from the current options and state. Call it
// after the options change so a disabled backfill releases the gate without
// waiting for the next cycle.
func (m *Manager) SyncGate(ctx context.Context) {
	m.syncGate(ctx, m.eligibleMeters(), m.currentOptions())
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := m.Prime(ctx); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load historical backfill state", slog.Any("error", err))
	}
	for {
		opts := m.currentOptions()
		if opts.Enabled {
			if err := m.safeCycle(ctx); err != nil && ctx.Err() == nil {
				m.handleCycleError(ctx, err)
			}
		} else {
			m.SyncGate(ctx)
		}
		if !sleep(ctx, max(time.Second, m.currentOptions().RunInterval())) {
			return
		}
	}
}

// safeCycle keeps a panicking collaborator from killing the loop.
func (m *Manager) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backfill cycle panicked: %v", r)
		}
	}()
	return m.RunCycle(ctx)
}

func (m *Manager) handleCycleError(ctx context.Context, err error) {
	if errors.Is(err, eonnext.ErrAuth) {
		m.metrics.cycles.WithLabelValues("auth_error").Inc()
		log.Ctx(ctx).WarnContext(ctx, "historical backfill failed to authenticate", slog.Any("error", err))
		if m.authFailed != nil {
			m.authFailed(ctx, err)
		}
		return
	}
	m.metrics.cycles.WithLabelValues("error").Inc()
	log.Ctx(ctx).WarnContext(ctx, "historical backfill cycle failed", slog.Any("error", err))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RunCycle runs a single backfill cycle. Authentication errors and failures
// to save the state are returned. Fetch errors for a single meter are logged
// and that meter is retried next cycle.
func (m *Manager) RunCycle(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	meters := m.eligibleMeters()
	opts := m.currentOptions()
	if !opts.Enabled || len(meters) == 0 {
		m.metrics.cycles.WithLabelValues("skipped").Inc()
		return nil
	}
	today := m.today()

	if err := m.initializeOrReset(ctx, meters, opts, today); err != nil {
		return err
	}
	if err := m.clearExistingStatistics(ctx, meters, opts); err != nil {
		return err
	}
	m.syncGate(ctx, meters, opts)
	if m.allDone(meters) {
		m.metrics.cycles.WithLabelValues("ok").Inc()
		return nil
	}

	progressed, err := m.walk(ctx, meters, opts, today)
	if err != nil {
		return err
	}
	if progressed && m.allDone(meters) {
		log.Ctx(ctx).InfoContext(ctx, "historical backfill completed")
	}
	m.syncGate(ctx, meters, opts)
	m.metrics.cycles.WithLabelValues("ok").Inc()
	return nil
}

// walk advances pending meters by one chunk each until the request budget is
// spent. It reports whether any cursor moved.
func (m *Manager) walk(ctx context.Context, meters []types.Meter, opts types.BackfillOptions, today time.Time) (bool, error) {
	budget := opts.RequestsPerRun
	progressed := false

	for _, meter := range meters {
		if budget <= 0 {
			break
		}

		m.mu.Lock()
		progress, ok := m.state.Meters[meter.Serial]
		m.mu.Unlock()
		if !ok {
			progress = types.MeterProgress{NextStart: today.Format(time.DateOnly)}
		}
		if progress.Done {
			continue
		}

		start, err := parseDate(progress.NextStart)
		if err != nil {
			start = today
		}
		if start.After(today) {
			if err := m.setMeter(ctx, meter.Serial, types.MeterProgress{NextStart: progress.NextStart, Done: true}); err != nil {
				return progressed, err
			}
			continue
		}

		end := start.AddDate(0, 0, opts.ChunkDays-1)
		if end.After(today) {
			end = today
		}
		ctx := log.WithMeter(ctx, meter.Serial, string(meter.Kind))
		budget--

		if err := m.fetchChunk(ctx, meter, start, end); err != nil {
			if errors.Is(err, eonnext.ErrAuth) || ctx.Err() != nil {
				return progressed, err
			}
			m.metrics.chunks.WithLabelValues("error").Inc()
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to backfill chunk, will retry next cycle",
				slog.String("start", start.Format(time.DateOnly)),
				slog.String("end", end.Format(time.DateOnly)),
				slog.Any("error", err),
			)
		} else {
			next := types.MeterProgress{
				NextStart: end.AddDate(0, 0, 1).Format(time.DateOnly),
				Done:      !end.Before(today),
			}
			if err := m.setMeter(ctx, meter.Serial, next); err != nil {
				return progressed, err
			}
			progressed = true
		}

		if budget > 0 && opts.DelaySeconds > 0 {
			if !sleep(ctx, opts.Delay()) {
				return progressed, ctx.Err()
			}
		}
	}
	return progressed, nil
}

func (m *Manager) fetchChunk(ctx context.Context, meter types.Meter, start, end time.Time) error {
	samples, err := m.source.FetchRange(ctx, meter, m.localMidnight(start), m.localMidnight(end))
	if err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched historical chunk",
		slog.String("start", start.Format(time.DateOnly)),
		slog.String("end", end.Format(time.DateOnly)),
		slog.Int("samples", len(samples)),
	)
	if len(samples) == 0 {
		m.metrics.chunks.WithLabelValues("empty").Inc()
		return nil
	}
	if err := m.sink.Import(ctx, meter.Serial, meter.Kind, samples); err != nil {
		return fmt.Errorf("failed to import statistics: %w", err)
	}
	m.metrics.chunks.WithLabelValues("imported").Inc()
	m.metrics.samplesImported.Add(float64(len(samples)))
	return nil
}

func (m *Manager) initializeOrReset(ctx context.Context, meters []types.Meter, opts types.BackfillOptions, today time.Time) error {
	start := today.AddDate(0, 0, -(opts.LookbackDays - 1)).Format(time.DateOnly)

	m.mu.Lock()
	reset := !m.state.Initialized || m.state.LookbackDays != opts.LookbackDays
	var added []string
	if !reset {
		for _, meter := range meters {
			if _, ok := m.state.Meters[meter.Serial]; !ok {
				added = append(added, meter.Serial)
			}
		}
	}
	m.mu.Unlock()

	if reset {
		err := m.mutate(ctx, func(s *types.BackfillState) {
			s.Initialized = true
			s.RebuildDone = false
			s.LookbackDays = opts.LookbackDays
			s.Meters = make(map[string]types.MeterProgress, len(meters))
			for _, meter := range meters {
				s.Meters[meter.Serial] = types.MeterProgress{NextStart: start}
			}
		})
		if err != nil {
			return err
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"initialized historical backfill progress",
			slog.String("start", start),
			slog.Int("lookbackDays", opts.LookbackDays),
		)
		return nil
	}

	if len(added) == 0 {
		return nil
	}
	return m.mutate(ctx, func(s *types.BackfillState) {
		for _, serial := range added {
			s.Meters[serial] = types.MeterProgress{NextStart: start}
		}
	})
}

func (m *Manager) clearExistingStatistics(ctx context.Context, meters []types.Meter, opts types.BackfillOptions) error {
	m.mu.Lock()
	rebuildDone := m.state.RebuildDone
	m.mu.Unlock()
	if rebuildDone {
		return nil
	}

	if !opts.RebuildStatistics {
		if err := m.mutate(ctx, func(s *types.BackfillState) { s.RebuildDone = true }); err != nil {
			return err
		}
		log.Ctx(ctx).InfoContext(
			ctx,
			"historical backfill is running without clearing existing statistics, results may be partial if prior statistics already exist",
		)
		return nil
	}

	var ids []string
	for _, meter := range meters {
		if id, ok := m.sink.StatisticID(meter.Serial, meter.Kind); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		err := m.sink.Clear(ctx, ids)
		switch {
		case errors.Is(err, statistics.ErrClearTimeout):
			log.Ctx(ctx).WarnContext(ctx, "timed out waiting for statistics clear to complete", slog.Int("statistics", len(ids)))
		case err != nil:
			return fmt.Errorf("failed to clear statistics: %w", err)
		}
	}

	if err := m.mutate(ctx, func(s *types.BackfillState) { s.RebuildDone = true }); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared statistics before historical backfill rebuild", slog.Int("statistics", len(ids)))
	return nil
}

func (m *Manager) setMeter(ctx context.Context, serial string, progress types.MeterProgress) error {
	return m.mutate(ctx, func(s *types.BackfillState) {
		s.Meters[serial] = progress
	})
}

// mutate applies fn to the state and persists the result before returning.
// The save is not cancelled with ctx so a chunk that was imported is not
// forgotten because of a concurrent Stop.
func (m *Manager) mutate(ctx context.Context, fn func(s *types.BackfillState)) error {
	m.mu.Lock()
	fn(m.state)
	snapshot := m.state.Clone()
	m.mu.Unlock()

	if err := m.store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

// ensureLoaded must be called with cycleMu held.
func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.state != nil
	m.mu.Unlock()
	if loaded {
		return nil
	}

	stored, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	state := types.NewBackfillState()
	if stored != nil {
		state = stored.Clone()
	}
	m.mu.Lock()
	m.state = &state
	m.mu.Unlock()
	return nil
}

func (m *Manager) syncGate(ctx context.Context, meters []types.Meter, opts types.BackfillOptions) {
	m.mu.Lock()
	loaded := m.state != nil
	initialized := loaded && m.state.Initialized
	m.mu.Unlock()

	paused := opts.Enabled && loaded && (!initialized || !m.allDone(meters))
	m.gate.Set(!paused)
	if paused {
		m.metrics.importPaused.Set(1)
	} else {
		m.metrics.importPaused.Set(0)
	}
	m.metrics.pendingMeters.Set(float64(m.pendingCount(meters)))
	m.notify(ctx)
}

func (m *Manager) allDone(meters []types.Meter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return false
	}
	for _, meter := range meters {
		if !m.state.Meters[meter.Serial].Done {
			return false
		}
	}
	return true
}

func (m *Manager) pendingCount(meters []types.Meter) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := len(meters)
	if m.state == nil {
		return pending
	}
	for _, meter := range meters {
		if m.state.Meters[meter.Serial].Done {
			pending--
		}
	}
	return pending
}

func (m *Manager) eligibleMeters() []types.Meter {
	var meters []types.Meter
	for _, meter := range m.roster.Meters() {
		if meter.Eligible() {
			meters = append(meters, meter)
		}
	}
	return meters
}

// currentOptions reads the live options and clamps them to usable values.
func (m *Manager) currentOptions() types.BackfillOptions {
	o := m.options()
	o.LookbackDays = max(1, o.LookbackDays)
	o.ChunkDays = max(1, o.ChunkDays)
	o.RequestsPerRun = max(1, o.RequestsPerRun)
	o.RunIntervalMinutes = max(1, o.RunIntervalMinutes)
	o.DelaySeconds = max(0, o.DelaySeconds)
	return o
}

// localMidnight turns a civil date from today into the start of that day in
// the configured location, so fetch windows line up with "today".
func (m *Manager) localMidnight(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, m.loc)
}

// today is the current civil date in the configured location, expressed as
// midnight UTC so date arithmetic ignores DST.
func (m *Manager) today() time.Time {
	t := m.now().In(m.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
