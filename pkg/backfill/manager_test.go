package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raterudder/eonnext/pkg/eonnext"
	"github.com/raterudder/eonnext/pkg/statistics"
	"github.com/raterudder/eonnext/pkg/storage"
	"github.com/raterudder/eonnext/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeStore struct {
	mu      sync.Mutex
	stored  *types.BackfillState
	saves   []types.BackfillState
	loads   int
	saveErr error
}

func (f *fakeStore) Load(ctx context.Context) (*types.BackfillState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.stored == nil {
		return nil, nil
	}
	c := f.stored.Clone()
	return &c, nil
}

func (f *fakeStore) Save(ctx context.Context, state types.BackfillState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	c := state.Clone()
	f.stored = &c
	f.saves = append(f.saves, state.Clone())
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

type fetchCall struct {
	serial     string
	start, end string
}

type fakeSource struct {
	mu    sync.Mutex
	calls []fetchCall
	fetch func(meter types.Meter, start, end time.Time) ([]types.ConsumptionSample, error)
}

func (f *fakeSource) FetchRange(ctx context.Context, meter types.Meter, start, end time.Time) ([]types.ConsumptionSample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{meter.Serial, start.Format(time.DateOnly), end.Format(time.DateOnly)})
	fetch := f.fetch
	f.mu.Unlock()
	if fetch == nil {
		return nil, nil
	}
	return fetch(meter, start, end)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type importCall struct {
	serial  string
	kind    types.MeterKind
	samples []types.ConsumptionSample
}

type fakeSink struct {
	mu        sync.Mutex
	imports   []importCall
	clears    [][]string
	clearErr  error
	importErr error
}

func (f *fakeSink) Clear(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, ids)
	return f.clearErr
}

func (f *fakeSink) Import(ctx context.Context, serial string, kind types.MeterKind, samples []types.ConsumptionSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return f.importErr
	}
	f.imports = append(f.imports, importCall{serial, kind, samples})
	return nil
}

func (f *fakeSink) StatisticID(serial string, kind types.MeterKind) (string, bool) {
	return statistics.StatisticID(serial, kind)
}

type fakeRoster []types.Meter

func (r fakeRoster) Meters() []types.Meter {
	return r
}

func meter(serial string, kind types.MeterKind) types.Meter {
	return types.Meter{
		ID:            "id-" + serial,
		Serial:        serial,
		SupplyPointID: "sp-" + serial,
		Kind:          kind,
		AccountNumber: "A-1",
	}
}

type harness struct {
	m      *Manager
	store  *fakeStore
	source *fakeSource
	sink   *fakeSink
	opts   types.BackfillOptions
	optsMu sync.Mutex
}

func newHarness(t *testing.T, today string, meters ...types.Meter) *harness {
	t.Helper()
	now, err := time.Parse(time.DateOnly, today)
	require.NoError(t, err)
	now = now.Add(12 * time.Hour)

	h := &harness{
		store:  &fakeStore{},
		source: &fakeSource{},
		sink:   &fakeSink{},
		opts:   types.DefaultBackfillOptions(),
	}
	h.opts.Enabled = true
	h.opts.DelaySeconds = 0
	h.m = New(Config{
		Store:  h.store,
		Source: h.source,
		Sink:   h.sink,
		Roster: fakeRoster(meters),
		Options: func() types.BackfillOptions {
			h.optsMu.Lock()
			defer h.optsMu.Unlock()
			return h.opts
		},
		now: func() time.Time { return now },
	})
	return h
}

func (h *harness) setOptions(fn func(o *types.BackfillOptions)) {
	h.optsMu.Lock()
	defer h.optsMu.Unlock()
	fn(&h.opts)
}

func (h *harness) stored(t *testing.T) types.BackfillState {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.NotNil(t, h.store.stored)
	return h.store.stored.Clone()
}

func initializedState(lookback int, meters map[string]types.MeterProgress) *types.BackfillState {
	s := types.NewBackfillState()
	s.Initialized = true
	s.RebuildDone = true
	s.LookbackDays = lookback
	s.Meters = meters
	return &s
}

func TestComputeState(t *testing.T) {
	tests := []struct {
		enabled     bool
		initialized bool
		pending     int
		want        State
	}{
		{false, false, 0, StateDisabled},
		{false, true, 3, StateDisabled},
		{true, false, 0, StateInitializing},
		{true, false, 2, StateInitializing},
		{true, true, 1, StateRunning},
		{true, true, 0, StateCompleted},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v_%v_%d", tt.enabled, tt.initialized, tt.pending), func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeState(tt.enabled, tt.initialized, tt.pending))
		})
	}
}

func TestGate(t *testing.T) {
	var g Gate
	assert.True(t, g.Enabled())
	g.Set(false)
	assert.False(t, g.Enabled())
	g.Set(true)
	assert.True(t, NewGate().Enabled())
}

func TestStatus(t *testing.T) {
	t.Run("before prime", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindGas))
		h.setOptions(func(o *types.BackfillOptions) { o.Enabled = false })

		s := h.m.Status()
		assert.Equal(t, StateDisabled, s.State)
		assert.Equal(t, 2, s.TotalMeters)
		assert.Equal(t, 2, s.PendingMeters)
		assert.Equal(t, 3650, s.LookbackDays)
		assert.Nil(t, s.NextStartDate)
	})

	t.Run("initializing", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		require.NoError(t, h.m.Prime(context.Background()))
		assert.Equal(t, StateInitializing, h.m.Status().State)
	})

	t.Run("running then completed", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-03-11"},
			"m2": {NextStart: "2024-03-10", Done: true},
		})
		require.NoError(t, h.m.Prime(context.Background()))

		s := h.m.Status()
		assert.Equal(t, StateRunning, s.State)
		assert.Equal(t, 1, s.CompletedMeters)
		assert.Equal(t, 1, s.PendingMeters)
		require.NotNil(t, s.NextStartDate)
		assert.Equal(t, "2024-03-11", *s.NextStartDate)

		h.store.stored.Meters["m1"] = types.MeterProgress{NextStart: "2024-03-12", Done: true}
		h.m.state = nil
		require.NoError(t, h.m.Prime(context.Background()))
		s = h.m.Status()
		assert.Equal(t, StateCompleted, s.State)
		assert.Equal(t, 0, s.PendingMeters)
		assert.Nil(t, s.NextStartDate)
	})

	t.Run("meters progress", func(t *testing.T) {
		h := newHarness(t, "2024-03-10",
			meter("done", types.MeterKindElectric),
			meter("half", types.MeterKindElectric),
			meter("missing", types.MeterKindGas),
			meter("invalid", types.MeterKindGas),
		)
		h.setOptions(func(o *types.BackfillOptions) { o.LookbackDays = 10 })
		h.store.stored = initializedState(10, map[string]types.MeterProgress{
			"done":    {NextStart: "2024-03-11", Done: true},
			"half":    {NextStart: "2024-03-06"},
			"invalid": {NextStart: "not-a-date"},
		})
		require.NoError(t, h.m.Prime(context.Background()))

		p := h.m.Status().MetersProgress
		assert.Equal(t, MeterStatus{NextStart: "2024-03-11", Done: true, DaysCompleted: 10, DaysRemaining: 0}, p["done"])
		assert.Equal(t, MeterStatus{NextStart: "2024-03-06", DaysCompleted: 5, DaysRemaining: 5}, p["half"])
		assert.Equal(t, MeterStatus{DaysCompleted: 0, DaysRemaining: 10}, p["missing"])
		assert.Equal(t, MeterStatus{NextStart: "not-a-date", DaysCompleted: 0, DaysRemaining: 10}, p["invalid"])
	})

	t.Run("ineligible meters are ignored", func(t *testing.T) {
		noSupply := meter("x", types.MeterKindElectric)
		noSupply.SupplyPointID = ""
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), noSupply, meter("w", "water"))
		assert.Equal(t, 1, h.m.Status().TotalMeters)
	})
}

func TestPrime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
	h.store.stored = initializedState(3650, map[string]types.MeterProgress{
		"m1": {NextStart: "2024-01-01"},
	})

	require.NoError(t, h.m.Prime(ctx))
	assert.False(t, h.m.Gate().Enabled())
	before := h.stored(t)

	require.NoError(t, h.m.Prime(ctx))
	assert.Equal(t, 1, h.store.loads)
	assert.Equal(t, 0, h.store.saveCount())
	assert.Equal(t, before, h.stored(t))
	assert.False(t, h.m.Gate().Enabled())

	t.Run("disabled leaves the gate open", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.setOptions(func(o *types.BackfillOptions) { o.Enabled = false })
		require.NoError(t, h.m.Prime(ctx))
		assert.True(t, h.m.Gate().Enabled())
	})

	t.Run("load error", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.m.store = errStore{}
		assert.Error(t, h.m.Prime(ctx))
		assert.True(t, h.m.Gate().Enabled())
	})
}

type errStore struct{}

func (errStore) Load(context.Context) (*types.BackfillState, error) {
	return nil, errors.New("unavailable")
}

func (errStore) Save(context.Context, types.BackfillState) error {
	return errors.New("unavailable")
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("initializes from lookback", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindGas))
		h.setOptions(func(o *types.BackfillOptions) {
			o.LookbackDays = 10
			o.RequestsPerRun = 1
		})
		require.NoError(t, h.m.RunCycle(ctx))

		first := h.store.saves[0]
		assert.True(t, first.Initialized)
		assert.False(t, first.RebuildDone)
		assert.Equal(t, 10, first.LookbackDays)
		assert.Equal(t, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-03-01"},
			"m2": {NextStart: "2024-03-01"},
		}, first.Meters)

		s := h.stored(t)
		assert.True(t, s.RebuildDone)
		assert.Equal(t, "2024-03-02", s.Meters["m1"].NextStart)
		assert.Equal(t, "2024-03-01", s.Meters["m2"].NextStart)
		assert.Empty(t, h.sink.clears)
	})

	t.Run("chunk end to end", func(t *testing.T) {
		h := newHarness(t, "2024-01-02", meter("m1", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
		})
		h.setOptions(func(o *types.BackfillOptions) {
			o.ChunkDays = 1
			o.RequestsPerRun = 1
		})
		sample := types.ConsumptionSample{IntervalStart: "2024-01-01T00:00:00Z", IntervalEnd: "2024-01-01T00:30:00Z", Consumption: 1.5}
		h.source.fetch = func(types.Meter, time.Time, time.Time) ([]types.ConsumptionSample, error) {
			return []types.ConsumptionSample{sample}, nil
		}

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, []fetchCall{{"m1", "2024-01-01", "2024-01-01"}}, h.source.calls)
		require.Len(t, h.sink.imports, 1)
		assert.Equal(t, importCall{"m1", types.MeterKindElectric, []types.ConsumptionSample{sample}}, h.sink.imports[0])
		assert.Equal(t, types.MeterProgress{NextStart: "2024-01-02"}, h.stored(t).Meters["m1"])
		assert.False(t, h.m.Gate().Enabled())

		// the chunk that reaches today completes the meter and opens the gate
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, fetchCall{"m1", "2024-01-02", "2024-01-02"}, h.source.calls[1])
		assert.Equal(t, types.MeterProgress{NextStart: "2024-01-03", Done: true}, h.stored(t).Meters["m1"])
		assert.True(t, h.m.Gate().Enabled())
		assert.Equal(t, StateCompleted, h.m.Status().State)

		// nothing left to fetch
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Len(t, h.source.calls, 2)
	})

	t.Run("chunk clamped to today", func(t *testing.T) {
		h := newHarness(t, "2024-01-10", meter("m1", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-08"},
		})
		h.setOptions(func(o *types.BackfillOptions) { o.ChunkDays = 7 })

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, []fetchCall{{"m1", "2024-01-08", "2024-01-10"}}, h.source.calls)
		assert.Equal(t, types.MeterProgress{NextStart: "2024-01-11", Done: true}, h.stored(t).Meters["m1"])
	})

	t.Run("empty result still advances without import", func(t *testing.T) {
		h := newHarness(t, "2024-01-10", meter("m1", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
		})
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Empty(t, h.sink.imports)
		assert.Equal(t, "2024-01-02", h.stored(t).Meters["m1"].NextStart)
	})

	t.Run("budget respected", func(t *testing.T) {
		h := newHarness(t, "2024-03-10",
			meter("m1", types.MeterKindElectric),
			meter("m2", types.MeterKindElectric),
			meter("m3", types.MeterKindGas),
		)
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
			"m2": {NextStart: "2024-01-01"},
			"m3": {NextStart: "2024-01-01"},
		})
		h.setOptions(func(o *types.BackfillOptions) { o.RequestsPerRun = 1 })

		require.NoError(t, h.m.RunCycle(ctx))
		require.Len(t, h.source.calls, 1)
		s := h.stored(t)
		assert.Equal(t, "2024-01-02", s.Meters["m1"].NextStart)
		assert.Equal(t, "2024-01-01", s.Meters["m2"].NextStart)
		assert.Equal(t, "2024-01-01", s.Meters["m3"].NextStart)
	})

	t.Run("done meters do not use budget", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-03-11", Done: true},
			"m2": {NextStart: "2024-01-01"},
		})
		h.setOptions(func(o *types.BackfillOptions) { o.RequestsPerRun = 1 })

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, []fetchCall{{"m2", "2024-01-01", "2024-01-01"}}, h.source.calls)
	})

	t.Run("cursor past today is marked done", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-03-11"},
			"m2": {NextStart: "2024-03-01"},
		})
		h.setOptions(func(o *types.BackfillOptions) { o.RequestsPerRun = 1 })

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, []fetchCall{{"m2", "2024-03-01", "2024-03-01"}}, h.source.calls)
		assert.Equal(t, types.MeterProgress{NextStart: "2024-03-11", Done: true}, h.stored(t).Meters["m1"])
	})

	t.Run("unparsable cursor starts today", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "garbage"},
		})
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, []fetchCall{{"m1", "2024-03-10", "2024-03-10"}}, h.source.calls)
		assert.True(t, h.stored(t).Meters["m1"].Done)
	})

	t.Run("new meter added without touching others", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindGas))
		h.store.stored = initializedState(10, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-03-11", Done: true},
		})
		h.setOptions(func(o *types.BackfillOptions) {
			o.LookbackDays = 10
			o.RequestsPerRun = 1
		})

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, types.MeterProgress{NextStart: "2024-03-01"}, h.store.saves[0].Meters["m2"])
		assert.Equal(t, types.MeterProgress{NextStart: "2024-03-11", Done: true}, h.store.saves[0].Meters["m1"])
		assert.Equal(t, []fetchCall{{"m2", "2024-03-01", "2024-03-01"}}, h.source.calls)
	})

	t.Run("lookback change reinitializes", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindGas))
		h.store.stored = initializedState(10, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-03-11", Done: true},
			"m2": {NextStart: "2024-03-11", Done: true},
		})
		h.setOptions(func(o *types.BackfillOptions) {
			o.LookbackDays = 10
			o.RequestsPerRun = 1
		})
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, 0, h.store.saveCount())
		assert.True(t, h.m.Gate().Enabled())

		h.setOptions(func(o *types.BackfillOptions) { o.LookbackDays = 30 })
		require.NoError(t, h.m.RunCycle(ctx))

		reset := h.store.saves[0]
		assert.False(t, reset.RebuildDone)
		assert.Equal(t, 30, reset.LookbackDays)
		assert.Equal(t, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-02-10"},
			"m2": {NextStart: "2024-02-10"},
		}, reset.Meters)
		assert.False(t, h.m.Gate().Enabled())
		assert.Equal(t, StateRunning, h.m.Status().State)
	})

	t.Run("transient fetch error defers meter", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
			"m2": {NextStart: "2024-01-01"},
		})
		h.source.fetch = func(m types.Meter, _, _ time.Time) ([]types.ConsumptionSample, error) {
			if m.Serial == "m1" {
				return nil, fmt.Errorf("%w: status 502", eonnext.ErrAPI)
			}
			return nil, nil
		}

		require.NoError(t, h.m.RunCycle(ctx))
		s := h.stored(t)
		assert.Equal(t, "2024-01-01", s.Meters["m1"].NextStart)
		assert.Equal(t, "2024-01-02", s.Meters["m2"].NextStart)
	})

	t.Run("import error defers meter", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
		})
		h.source.fetch = func(types.Meter, time.Time, time.Time) ([]types.ConsumptionSample, error) {
			return []types.ConsumptionSample{{IntervalStart: "2024-01-01T00:00:00Z", Consumption: 1}}, nil
		}
		h.sink.importErr = errors.New("disk full")

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, 0, h.store.saveCount())
	})

	t.Run("auth error aborts the cycle", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
			"m2": {NextStart: "2024-01-01"},
		})
		h.source.fetch = func(types.Meter, time.Time, time.Time) ([]types.ConsumptionSample, error) {
			return nil, fmt.Errorf("wrapped: %w", eonnext.ErrAuth)
		}

		err := h.m.RunCycle(ctx)
		assert.ErrorIs(t, err, eonnext.ErrAuth)
		assert.Len(t, h.source.calls, 1)
		assert.Equal(t, "2024-01-01", h.stored(t).Meters["m1"].NextStart)
	})

	t.Run("save failure is returned", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.store.saveErr = errors.New("read only")
		assert.Error(t, h.m.RunCycle(ctx))
		assert.Empty(t, h.source.calls)
	})

	t.Run("disabled is a no-op", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.setOptions(func(o *types.BackfillOptions) { o.Enabled = false })
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, 0, h.store.saveCount())
		assert.Empty(t, h.source.calls)
	})

	t.Run("no meters is a no-op", func(t *testing.T) {
		h := newHarness(t, "2024-03-10")
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Equal(t, 0, h.store.saveCount())
	})
}

func TestRebuildStatistics(t *testing.T) {
	ctx := context.Background()
	meters := []types.Meter{meter("E 1", types.MeterKindElectric), meter("G1", types.MeterKindGas)}

	t.Run("clears once", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meters...)
		h.setOptions(func(o *types.BackfillOptions) { o.RebuildStatistics = true })

		require.NoError(t, h.m.RunCycle(ctx))
		require.Len(t, h.sink.clears, 1)
		assert.Equal(t, []string{"eon_next:electricity_e_1_consumption", "eon_next:gas_g1_consumption"}, h.sink.clears[0])
		assert.True(t, h.stored(t).RebuildDone)

		require.NoError(t, h.m.RunCycle(ctx))
		assert.Len(t, h.sink.clears, 1)
	})

	t.Run("timeout still marks done", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meters...)
		h.setOptions(func(o *types.BackfillOptions) { o.RebuildStatistics = true })
		h.sink.clearErr = statistics.ErrClearTimeout

		require.NoError(t, h.m.RunCycle(ctx))
		assert.True(t, h.stored(t).RebuildDone)
		assert.NotEmpty(t, h.source.calls)
	})

	t.Run("failure is retried next cycle", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meters...)
		h.setOptions(func(o *types.BackfillOptions) { o.RebuildStatistics = true })
		h.sink.clearErr = errors.New("recorder unavailable")

		assert.Error(t, h.m.RunCycle(ctx))
		assert.False(t, h.stored(t).RebuildDone)
		assert.Empty(t, h.source.calls)

		h.sink.clearErr = nil
		require.NoError(t, h.m.RunCycle(ctx))
		assert.Len(t, h.sink.clears, 2)
		assert.True(t, h.stored(t).RebuildDone)
	})
}

func TestListeners(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))

	var mu sync.Mutex
	calls := 0
	h.m.AddListener(func() { panic("broken listener") })
	remove := h.m.AddListener(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, h.m.RunCycle(ctx))
	assert.Positive(t, h.store.saveCount())
	mu.Lock()
	seen := calls
	mu.Unlock()
	// every save plus both gate syncs
	assert.Equal(t, h.store.saveCount()+2, seen)

	remove()
	require.NoError(t, h.m.RunCycle(ctx))
	mu.Lock()
	assert.Equal(t, seen, calls)
	mu.Unlock()
}

// lflag and llog each start a goroutine at package init.
var ignoreInitGoroutines = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/levenlabs/go-lflag.spin"),
	goleak.IgnoreTopFunction("github.com/levenlabs/go-llog.init.0.func1"),
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines...)

	t.Run("stop is a no-op before start", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.m.Stop()
	})

	t.Run("stop during chunk delay", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
			"m2": {NextStart: "2024-01-01"},
		})
		h.setOptions(func(o *types.BackfillOptions) {
			o.RequestsPerRun = 2
			o.DelaySeconds = 3600
		})
		fetched := make(chan struct{}, 2)
		h.source.fetch = func(types.Meter, time.Time, time.Time) ([]types.ConsumptionSample, error) {
			fetched <- struct{}{}
			return nil, nil
		}

		h.m.Start(context.Background())
		h.m.Start(context.Background())
		select {
		case <-fetched:
		case <-time.After(5 * time.Second):
			t.Fatal("backfill never fetched")
		}

		stopped := make(chan struct{})
		go func() {
			h.m.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("stop waited out the delay")
		}
		assert.Equal(t, 1, h.source.callCount())
		assert.Equal(t, "2024-01-02", h.stored(t).Meters["m1"].NextStart)
		assert.Equal(t, "2024-01-01", h.stored(t).Meters["m2"].NextStart)

		h.m.Stop()
	})

	t.Run("auth failure handler", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		failed := make(chan error, 1)
		h.m.authFailed = func(ctx context.Context, err error) {
			failed <- err
		}
		h.source.fetch = func(types.Meter, time.Time, time.Time) ([]types.ConsumptionSample, error) {
			return nil, eonnext.ErrAuth
		}

		h.m.Start(context.Background())
		select {
		case err := <-failed:
			assert.ErrorIs(t, err, eonnext.ErrAuth)
		case <-time.After(5 * time.Second):
			t.Fatal("auth failure not reported")
		}
		h.m.Stop()
	})

	t.Run("cycle panic keeps loop alive", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.store.stored = initializedState(3650, map[string]types.MeterProgress{
			"m1": {NextStart: "2024-01-01"},
		})
		h.source.fetch = func(types.Meter, time.Time, time.Time) ([]types.ConsumptionSample, error) {
			panic("decoder exploded")
		}

		h.m.Start(context.Background())
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(h.m.metrics.cycles.WithLabelValues("error")) == 1
		}, 5*time.Second, 10*time.Millisecond)

		select {
		case <-h.m.done:
			t.Fatal("loop exited after a panicking cycle")
		default:
		}
		h.m.Stop()
		assert.Nil(t, h.m.done)
	})

	t.Run("cycle error keeps loop alive", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.store.saveErr = errors.New("disk full")

		h.m.Start(context.Background())
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(h.m.metrics.cycles.WithLabelValues("error")) == 1
		}, 5*time.Second, 10*time.Millisecond)

		select {
		case <-h.m.done:
			t.Fatal("loop exited after a failed cycle")
		default:
		}
		assert.Zero(t, h.source.callCount())
		h.m.Stop()
	})

	t.Run("parent cancel then restart", func(t *testing.T) {
		h := newHarness(t, "2024-03-10", meter("m1", types.MeterKindElectric))
		h.setOptions(func(o *types.BackfillOptions) { o.Enabled = false })

		ctx, cancel := context.WithCancel(context.Background())
		h.m.Start(ctx)
		cancel()
		require.Eventually(t, func() bool {
			select {
			case <-h.m.done:
				return true
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)

		h.m.Start(context.Background())
		h.m.Stop()
		assert.Nil(t, h.m.done)
	})
}

func TestFetchWindowLocation(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	store := &fakeStore{stored: initializedState(3650, map[string]types.MeterProgress{
		"m1": {NextStart: "2024-06-10"},
	})}
	var gotStart, gotEnd time.Time
	source := &fakeSource{fetch: func(_ types.Meter, start, end time.Time) ([]types.ConsumptionSample, error) {
		gotStart, gotEnd = start, end
		return nil, nil
	}}
	opts := types.DefaultBackfillOptions()
	opts.Enabled = true
	opts.ChunkDays = 2
	opts.DelaySeconds = 0

	// 23:30 UTC is already the next day in BST.
	now := time.Date(2024, 6, 10, 23, 30, 0, 0, time.UTC)
	m := New(Config{
		Store:    store,
		Source:   source,
		Sink:     &fakeSink{},
		Roster:   fakeRoster{meter("m1", types.MeterKindElectric)},
		Options:  func() types.BackfillOptions { return opts },
		Location: london,
		now:      func() time.Time { return now },
	})

	require.NoError(t, m.RunCycle(context.Background()))
	assert.True(t, gotStart.Equal(time.Date(2024, 6, 9, 23, 0, 0, 0, time.UTC)), "start %s", gotStart)
	assert.True(t, gotEnd.Equal(time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC)), "end %s", gotEnd)
	assert.Equal(t, london, gotStart.Location())

	stored := store.stored.Clone()
	assert.Equal(t, types.MeterProgress{NextStart: "2024-06-12", Done: true}, stored.Meters["m1"])
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	h := newHarness(t, "2024-01-02", meter("m1", types.MeterKindElectric), meter("m2", types.MeterKindGas))
	h.m.metrics = newMetrics(reg)
	h.store.stored = initializedState(3650, map[string]types.MeterProgress{
		"m1": {NextStart: "2024-01-02"},
		"m2": {NextStart: "2024-01-01"},
	})
	h.source.fetch = func(m types.Meter, _, _ time.Time) ([]types.ConsumptionSample, error) {
		if m.Serial == "m2" {
			return nil, errors.New("timeout")
		}
		return []types.ConsumptionSample{
			{IntervalStart: "2024-01-02T00:00:00Z", Consumption: 1},
			{IntervalStart: "2024-01-02T00:30:00Z", Consumption: 2},
		}, nil
	}

	require.NoError(t, h.m.RunCycle(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.metrics.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.metrics.chunks.WithLabelValues("imported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.metrics.chunks.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.m.metrics.samplesImported))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.metrics.pendingMeters))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.metrics.importPaused))

	n, err := testutil.GatherAndCount(reg, "eonnext_backfill_chunks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBadgerEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewBadgerProvider(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })

	recorder := statistics.NewRecorder(db, 0)
	source := &fakeSource{fetch: func(_ types.Meter, start, end time.Time) ([]types.ConsumptionSample, error) {
		var samples []types.ConsumptionSample
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			day := d.Format(time.DateOnly)
			samples = append(samples,
				types.ConsumptionSample{IntervalStart: day + "T00:00:00Z", IntervalEnd: day + "T00:30:00Z", Consumption: 0.5},
				types.ConsumptionSample{IntervalStart: day + "T00:30:00Z", IntervalEnd: day + "T01:00:00Z", Consumption: 0.25},
			)
		}
		return samples, nil
	}}
	now := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	opts := types.DefaultBackfillOptions()
	opts.Enabled = true
	opts.LookbackDays = 3
	opts.RequestsPerRun = 10
	opts.ChunkDays = 2
	opts.DelaySeconds = 0

	newManager := func() *Manager {
		return New(Config{
			Store:   storage.NewBackfillStore(db, "entry-1"),
			Source:  source,
			Sink:    recorder,
			Roster:  fakeRoster{meter("E1", types.MeterKindElectric)},
			Options: func() types.BackfillOptions { return opts },
			now:     func() time.Time { return now },
		})
	}

	m := newManager()
	require.NoError(t, m.RunCycle(ctx))
	assert.Equal(t, StateRunning, m.Status().State)

	// a fresh manager resumes from the persisted cursor
	m = newManager()
	require.NoError(t, m.Prime(ctx))
	assert.False(t, m.Gate().Enabled())
	require.NoError(t, m.RunCycle(ctx))
	assert.Equal(t, StateCompleted, m.Status().State)
	assert.True(t, m.Gate().Enabled())
	assert.Equal(t, []fetchCall{
		{"E1", "2024-01-01", "2024-01-02"},
		{"E1", "2024-01-03", "2024-01-03"},
	}, source.calls)

	id, ok := statistics.StatisticID("E1", types.MeterKindElectric)
	require.True(t, ok)
	points, err := db.GetStatistics(ctx, id, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 0.75, points[0].State)
	assert.Equal(t, 2.25, points[2].Sum)
}
