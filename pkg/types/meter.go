package types

import (
	"time"
)

// MeterKind is the fuel a meter measures.
type MeterKind string

const (
	MeterKindGas      MeterKind = "gas"
	MeterKindElectric MeterKind = "electricity"
)

// Known returns true for the two fuels we can fetch and store.
func (k MeterKind) Known() bool {
	switch k {
	case MeterKindGas, MeterKindElectric:
		return true
	}
	return false
}

// Meter is a single physical meter on an account.
type Meter struct {
	ID            string    `json:"id"`
	Serial        string    `json:"serial"`
	SupplyPointID string    `json:"supplyPointID"`
	Kind          MeterKind `json:"kind"`
	AccountNumber string    `json:"accountNumber"`
}

// Eligible reports whether the meter can be backfilled: a known kind with
// both a serial number and a supply point (MPAN/MPRN).
func (m Meter) Eligible() bool {
	return m.Kind.Known() && m.Serial != "" && m.SupplyPointID != ""
}

// ConsumptionSample is one interval returned by the consumption endpoint.
// IntervalStart is kept as the raw string so the statistics sink can decide
// what to do with timestamps that do not parse.
type ConsumptionSample struct {
	IntervalStart string  `json:"interval_start"`
	IntervalEnd   string  `json:"interval_end,omitempty"`
	Consumption   float64 `json:"consumption"`
}

// MeterReading is the latest register read for a meter.
type MeterReading struct {
	Value float64
	// Date is the civil date of the read, zero when unknown.
	Date time.Time
}

// EVCharger is a SmartFlex device that has planned dispatches.
type EVCharger struct {
	DeviceID      string `json:"deviceID"`
	Name          string `json:"name"`
	AccountNumber string `json:"accountNumber"`
}

// ChargeSlot is one planned smart charging window.
type ChargeSlot struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Type           string    `json:"type,omitempty"`
	EnergyAddedKWh *float64  `json:"energyAddedKwh,omitempty"`
}

// Tariff is the active agreement for a supply point. Rates are in pence as
// returned by the API.
type Tariff struct {
	Name                string       `json:"name"`
	Code                string       `json:"code"`
	Type                string       `json:"type"`
	UnitRatePence       *float64     `json:"unitRatePence,omitempty"`
	StandingChargePence *float64     `json:"standingChargePence,omitempty"`
	ValidFrom           string       `json:"validFrom"`
	ValidTo             string       `json:"validTo,omitempty"`
	UnitRatesSchedule   []TariffRate `json:"unitRatesSchedule,omitempty"`
	TimeOfUse           bool         `json:"timeOfUse"`
}

// TariffRate is a single entry of a half hourly unit rate schedule.
type TariffRate struct {
	Value     float64 `json:"value"`
	ValidFrom string  `json:"validFrom,omitempty"`
	ValidTo   string  `json:"validTo,omitempty"`
}
