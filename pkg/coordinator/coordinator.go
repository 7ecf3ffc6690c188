// Package coordinator polls E.ON Next on a fixed interval and keeps the
// latest meter and EV charger data for the API.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/raterudder/eonnext/pkg/eonnext"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/statistics"
	"github.com/raterudder/eonnext/pkg/types"
	"github.com/shopspring/decimal"
)

// DefaultUpdateInterval is how often the API is polled.
const DefaultUpdateInterval = 30 * time.Minute

// Client is the subset of the API client the coordinator polls.
type Client interface {
	Accounts() []eonnext.Account
	LatestReading(ctx context.Context, meter types.Meter) (types.MeterReading, bool, error)
	Consumption(ctx context.Context, meter types.Meter, groupBy string, pageSize int, from, to time.Time) ([]types.ConsumptionSample, error)
	TariffData(ctx context.Context, accountNumber string) (map[string]types.Tariff, error)
	SmartChargingSchedule(ctx context.Context, deviceID string) ([]types.ChargeSlot, error)
}

// Importer writes live consumption into statistics.
type Importer interface {
	Import(ctx context.Context, serial string, kind types.MeterKind, samples []types.ConsumptionSample) error
}

// ImportGate is read once at the start of every refresh.
type ImportGate interface {
	Enabled() bool
}

// MeterData is the latest data for one meter. Nil fields are unknown.
type MeterData struct {
	Serial                    string                    `json:"serial"`
	Kind                      types.MeterKind           `json:"type"`
	MeterID                   string                    `json:"meter_id"`
	SupplyPointID             string                    `json:"supply_point_id"`
	LatestReading             *float64                  `json:"latest_reading"`
	LatestReadingDate         *string                   `json:"latest_reading_date"`
	LatestReadingKWh          *float64                  `json:"latest_reading_kwh,omitempty"`
	Consumption               []types.ConsumptionSample `json:"consumption,omitempty"`
	DailyConsumption          *float64                  `json:"daily_consumption"`
	DailyConsumptionLastReset *string                   `json:"daily_consumption_last_reset"`
	TariffName                *string                   `json:"tariff_name"`
	TariffCode                *string                   `json:"tariff_code"`
	TariffType                *string                   `json:"tariff_type"`
	TariffUnitRate            *float64                  `json:"tariff_unit_rate"`
	TariffStandingCharge      *float64                  `json:"tariff_standing_charge"`
	TariffValidFrom           *string                   `json:"tariff_valid_from"`
	TariffValidTo             *string                   `json:"tariff_valid_to"`
	TariffTimeOfUse           bool                      `json:"tariff_time_of_use"`
}

// ChargerData is the smart charging schedule of one EV charger.
type ChargerData struct {
	DeviceID         string             `json:"device_id"`
	Name             string             `json:"name"`
	Schedule         []types.ChargeSlot `json:"schedule"`
	NextChargeStart  *time.Time         `json:"next_charge_start"`
	NextChargeEnd    *time.Time         `json:"next_charge_end"`
	NextChargeStart2 *time.Time         `json:"next_charge_start_2"`
	NextChargeEnd2   *time.Time         `json:"next_charge_end_2"`
}

// Data is the result of one refresh, in roster order.
type Data struct {
	Meters     []MeterData   `json:"meters"`
	EVChargers []ChargerData `json:"ev_chargers"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (d *Data) meter(serial string) (MeterData, bool) {
	if d == nil {
		return MeterData{}, false
	}
	for _, m := range d.Meters {
		if m.Serial == serial {
			return m, true
		}
	}
	return MeterData{}, false
}

func (d *Data) charger(deviceID string) (ChargerData, bool) {
	if d == nil {
		return ChargerData{}, false
	}
	for _, c := range d.EVChargers {
		if c.DeviceID == deviceID {
			return c, true
		}
	}
	return ChargerData{}, false
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Client   Client
	Importer Importer
	Gate     ImportGate
	// Interval defaults to DefaultUpdateInterval.
	Interval time.Duration
	// Location decides which samples count toward today's total. Defaults to
	// UTC.
	Location   *time.Location
	Registerer prometheus.Registerer
	// AuthFailed is called from the loop when a refresh fails to
	// authenticate.
	AuthFailed func(ctx context.Context, err error)

	now func() time.Time
}

// Coordinator refreshes data on an interval.
type Coordinator struct {
	client     Client
	importer   Importer
	gate       ImportGate
	interval   time.Duration
	loc        *time.Location
	now        func() time.Time
	authFailed func(ctx context.Context, err error)

	refreshes       *prometheus.CounterVec
	importsSkipped  prometheus.Counter
	refreshDuration prometheus.Histogram

	refreshMu sync.Mutex

	dataMu sync.RWMutex
	data   *Data

	listenersMu sync.Mutex
	listeners   []*func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Coordinator. Nothing is fetched until FirstRefresh or Start.
func New(cfg Config) *Coordinator {
	factory := promauto.With(cfg.Registerer)
	c := &Coordinator{
		client:     cfg.Client,
		importer:   cfg.Importer,
		gate:       cfg.Gate,
		interval:   cfg.Interval,
		loc:        cfg.Location,
		now:        cfg.now,
		authFailed: cfg.AuthFailed,
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eonnext_coordinator_refreshes_total",
			Help: "Total number of data refreshes by result",
		}, []string{"result"}),
		importsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "eonnext_coordinator_statistics_imports_skipped_total",
			Help: "Total number of live statistics imports skipped while the backfill holds the gate",
		}),
		refreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eonnext_coordinator_refresh_duration_seconds",
			Help:    "Duration of data refreshes",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if c.interval <= 0 {
		c.interval = DefaultUpdateInterval
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Data returns the last successful refresh, or nil before the first one.
func (c *Coordinator) Data() *Data {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.data
}

// AddListener registers fn to be called after every successful refresh. The
// returned func removes it.
func (c *Coordinator) AddListener(fn func()) func() {
	p := &fn
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, p)
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(o *func()) bool {
			return o == p
		})
	}
}

func (c *Coordinator) notify(ctx context.Context) {
	c.listenersMu.Lock()
	ls := slices.Clone(c.listeners)
	c.listenersMu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Ctx(ctx).DebugContext(ctx, "coordinator listener failed", slog.Any("panic", r))
				}
			}()
			(*l)()
		}()
	}
}

// FirstRefresh performs the initial refresh. Setup should fail when it does.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("first refresh failed: %w", err)
	}
	return nil
}

// Start polls every interval until Stop is called or ctx is cancelled. The
// first poll happens one interval from now.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
			c.cancel()
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop ends the polling loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := c.Refresh(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, eonnext.ErrAuth):
			log.Ctx(ctx).ErrorContext(ctx, "authentication failed during update", slog.Any("error", err))
			if c.authFailed != nil {
				c.authFailed(ctx, err)
			}
		default:
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh eon next data", slog.Any("error", err))
		}
	}
}

// Refresh fetches everything once. An authentication failure aborts the
// refresh. Other failures keep the previous data for the affected meter or
// charger, and only fail the refresh when nothing could be fetched.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := time.Now()
	defer func() {
		c.refreshDuration.Observe(time.Since(start).Seconds())
	}()

	prev := c.Data()
	next := &Data{UpdatedAt: c.now()}
	importing := c.gate == nil || c.gate.Enabled()
	var errs []error

	for _, account := range c.client.Accounts() {
		tariffs, err := c.client.TariffData(ctx, account.Number)
		if err != nil {
			if errors.Is(err, eonnext.ErrAuth) {
				c.refreshes.WithLabelValues("auth_error").Inc()
				return fmt.Errorf("authentication failed fetching tariffs: %w", err)
			}
			log.Ctx(ctx).WarnContext(ctx, "tariff data unavailable", slog.String("account", account.Number), slog.Any("error", err))
			tariffs = nil
		}

		for _, meter := range account.Meters {
			md, err := c.refreshMeter(ctx, meter, tariffs, prev, importing)
			if err != nil {
				if errors.Is(err, eonnext.ErrAuth) {
					c.refreshes.WithLabelValues("auth_error").Inc()
					return fmt.Errorf("authentication failed during update: %w", err)
				}
				log.Ctx(ctx).WarnContext(ctx, "failed to update meter", slog.String("serial", meter.Serial), slog.Any("error", err))
				errs = append(errs, fmt.Errorf("meter %s: %w", meter.Serial, err))
				if old, ok := prev.meter(meter.Serial); ok {
					next.Meters = append(next.Meters, old)
				}
				continue
			}
			next.Meters = append(next.Meters, md)
		}

		for _, charger := range account.EVChargers {
			cd, err := c.refreshCharger(ctx, charger)
			if err != nil {
				if errors.Is(err, eonnext.ErrAuth) {
					c.refreshes.WithLabelValues("auth_error").Inc()
					return fmt.Errorf("authentication failed during ev update: %w", err)
				}
				log.Ctx(ctx).DebugContext(ctx, "ev data unavailable", slog.String("deviceID", charger.DeviceID), slog.Any("error", err))
				if old, ok := prev.charger(charger.DeviceID); ok {
					next.EVChargers = append(next.EVChargers, old)
				}
				continue
			}
			next.EVChargers = append(next.EVChargers, cd)
		}
	}

	if len(next.Meters) == 0 && len(next.EVChargers) == 0 && len(errs) > 0 {
		c.refreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch any data: %w", errors.Join(errs...))
	}

	c.dataMu.Lock()
	c.data = next
	c.dataMu.Unlock()
	c.refreshes.WithLabelValues("ok").Inc()
	c.notify(ctx)
	return nil
}

func (c *Coordinator) refreshMeter(ctx context.Context, meter types.Meter, tariffs map[string]types.Tariff, prev *Data, importing bool) (MeterData, error) {
	md := MeterData{
		Serial:        meter.Serial,
		Kind:          meter.Kind,
		MeterID:       meter.ID,
		SupplyPointID: meter.SupplyPointID,
	}

	reading, ok, err := c.client.LatestReading(ctx, meter)
	if err != nil {
		return MeterData{}, err
	}
	if ok {
		md.LatestReading = &reading.Value
		if !reading.Date.IsZero() {
			d := reading.Date.Format(time.DateOnly)
			md.LatestReadingDate = &d
		}
		if meter.Kind == types.MeterKindGas {
			kwh := eonnext.GasKWh(reading.Value)
			md.LatestReadingKWh = &kwh
		}
	}

	samples, err := c.fetchConsumption(ctx, meter)
	if err != nil {
		return MeterData{}, err
	}
	if len(samples) > 0 {
		md.Consumption = samples
		md.DailyConsumption, md.DailyConsumptionLastReset = c.dailyConsumption(ctx, samples)

		if importing {
			if err := c.importer.Import(ctx, meter.Serial, meter.Kind, samples); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "statistics import failed", slog.String("serial", meter.Serial), slog.Any("error", err))
			}
		} else {
			c.importsSkipped.Inc()
			log.Ctx(ctx).DebugContext(ctx, "statistics import paused for historical backfill", slog.String("serial", meter.Serial))
		}
	}

	if tariff, ok := tariffs[meter.SupplyPointID]; ok {
		applyTariff(&md, tariff)
	} else if old, ok := prev.meter(meter.Serial); ok && old.TariffName != nil {
		// keep the previous tariff over a transient failure
		md.TariffName = old.TariffName
		md.TariffCode = old.TariffCode
		md.TariffType = old.TariffType
		md.TariffUnitRate = old.TariffUnitRate
		md.TariffStandingCharge = old.TariffStandingCharge
		md.TariffValidFrom = old.TariffValidFrom
		md.TariffValidTo = old.TariffValidTo
		md.TariffTimeOfUse = old.TariffTimeOfUse
	} else {
		log.Ctx(ctx).WarnContext(
			ctx,
			"no tariff data available for meter",
			slog.String("serial", meter.Serial),
			slog.String("supplyPointID", meter.SupplyPointID),
		)
	}
	return md, nil
}

// fetchConsumption prefers the last day of half hourly data and falls back
// to a week of daily totals.
func (c *Coordinator) fetchConsumption(ctx context.Context, meter types.Meter) ([]types.ConsumptionSample, error) {
	attempts := []struct {
		groupBy  string
		pageSize int
	}{
		{eonnext.GroupByHalfHour, 48},
		{eonnext.GroupByDay, 7},
	}
	for _, a := range attempts {
		samples, err := c.client.Consumption(ctx, meter, a.groupBy, a.pageSize, time.Time{}, time.Time{})
		if err != nil {
			if errors.Is(err, eonnext.ErrAuth) {
				return nil, err
			}
			log.Ctx(ctx).DebugContext(
				ctx,
				"consumption unavailable",
				slog.String("serial", meter.Serial),
				slog.String("groupBy", a.groupBy),
				slog.Any("error", err),
			)
			continue
		}
		if len(samples) > 0 {
			return samples, nil
		}
	}
	return nil, nil
}

// dailyConsumption sums the samples that start today in the configured
// location. lastReset is the raw start of the earliest sample included.
func (c *Coordinator) dailyConsumption(ctx context.Context, samples []types.ConsumptionSample) (*float64, *string) {
	now := c.now().In(c.loc)
	total := decimal.Zero
	var earliest time.Time
	var lastReset *string
	found := false

	for _, s := range samples {
		start, ok := statistics.ParseIntervalStart(ctx, s.IntervalStart)
		if !ok {
			continue
		}
		local := start.In(c.loc)
		if local.Year() != now.Year() || local.YearDay() != now.YearDay() {
			continue
		}
		total = total.Add(decimal.NewFromFloat(s.Consumption))
		found = true
		if lastReset == nil || start.Before(earliest) {
			earliest = start
			raw := s.IntervalStart
			lastReset = &raw
		}
	}
	if !found {
		return nil, nil
	}
	v := total.Round(3).InexactFloat64()
	return &v, lastReset
}

func (c *Coordinator) refreshCharger(ctx context.Context, charger types.EVCharger) (ChargerData, error) {
	slots, err := c.client.SmartChargingSchedule(ctx, charger.DeviceID)
	if err != nil {
		return ChargerData{}, err
	}
	cd := ChargerData{DeviceID: charger.DeviceID, Name: charger.Name, Schedule: slots}
	if len(slots) > 0 {
		cd.NextChargeStart = &slots[0].Start
		cd.NextChargeEnd = &slots[0].End
	}
	if len(slots) > 1 {
		cd.NextChargeStart2 = &slots[1].Start
		cd.NextChargeEnd2 = &slots[1].End
	}
	return cd, nil
}

func applyTariff(md *MeterData, t types.Tariff) {
	md.TariffName = stringPtr(t.Name)
	md.TariffCode = stringPtr(t.Code)
	md.TariffType = stringPtr(t.Type)
	md.TariffUnitRate = penceToPounds(t.UnitRatePence)
	md.TariffStandingCharge = penceToPounds(t.StandingChargePence)
	md.TariffValidFrom = stringPtr(t.ValidFrom)
	md.TariffValidTo = stringPtr(t.ValidTo)
	md.TariffTimeOfUse = t.TimeOfUse
}

func penceToPounds(pence *float64) *float64 {
	if pence == nil {
		return nil
	}
	v := decimal.NewFromFloat(*pence).Div(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	return &v
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
