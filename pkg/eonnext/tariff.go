package eonnext

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/raterudder/eonnext/pkg/types"
)

// SmartChargingSchedule returns the planned dispatches for a device ordered
// by start time. Slots with unparsable times are dropped.
func (c *Client) SmartChargingSchedule(ctx context.Context, deviceID string) ([]types.ChargeSlot, error) {
	if deviceID == "" {
		return nil, nil
	}
	var data struct {
		FlexPlannedDispatches []struct {
			Start          string   `json:"start"`
			End            string   `json:"end"`
			Type           string   `json:"type"`
			EnergyAddedKWh *float64 `json:"energyAddedKwh"`
		} `json:"flexPlannedDispatches"`
	}
	if err := c.authedGraphQL(ctx, "getSmartChargingSchedule", smartChargingScheduleQuery, map[string]any{"deviceId": deviceID}, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch charging schedule for %s: %w", deviceID, err)
	}

	slots := make([]types.ChargeSlot, 0, len(data.FlexPlannedDispatches))
	for _, d := range data.FlexPlannedDispatches {
		start, err := time.Parse(time.RFC3339, d.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, d.End)
		if err != nil {
			continue
		}
		slots = append(slots, types.ChargeSlot{Start: start, End: end, Type: d.Type, EnergyAddedKWh: d.EnergyAddedKWh})
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	return slots, nil
}

type agreement struct {
	ValidFrom string `json:"validFrom"`
	ValidTo   string `json:"validTo"`
	Tariff    *struct {
		Typename       string       `json:"__typename"`
		DisplayName    string       `json:"displayName"`
		FullName       string       `json:"fullName"`
		TariffCode     string       `json:"tariffCode"`
		UnitRate       *json.Number `json:"unitRate"`
		StandingCharge *json.Number `json:"standingCharge"`
		UnitRates      []struct {
			Value     *json.Number `json:"value"`
			ValidFrom string       `json:"validFrom"`
			ValidTo   string       `json:"validTo"`
		} `json:"unitRates"`
	} `json:"tariff"`
}

// TariffData returns the active tariff for each supply point on an account,
// keyed by MPAN or MPRN.
func (c *Client) TariffData(ctx context.Context, accountNumber string) (map[string]types.Tariff, error) {
	if accountNumber == "" {
		return nil, nil
	}
	var data struct {
		Properties []struct {
			ElectricityMeterPoints []struct {
				MPAN       string      `json:"mpan"`
				Agreements []agreement `json:"agreements"`
			} `json:"electricityMeterPoints"`
			GasMeterPoints []struct {
				MPRN       string      `json:"mprn"`
				Agreements []agreement `json:"agreements"`
			} `json:"gasMeterPoints"`
		} `json:"properties"`
	}
	if err := c.authedGraphQL(ctx, "getAccountAgreements", accountAgreementsQuery, map[string]any{"accountNumber": accountNumber}, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch tariffs for %s: %w", accountNumber, err)
	}

	today := c.now().Format(time.DateOnly)
	tariffs := map[string]types.Tariff{}
	for _, p := range data.Properties {
		for _, e := range p.ElectricityMeterPoints {
			if t, ok := activeTariff(e.Agreements, today); ok && e.MPAN != "" {
				tariffs[e.MPAN] = t
			}
		}
		for _, g := range p.GasMeterPoints {
			if t, ok := activeTariff(g.Agreements, today); ok && g.MPRN != "" {
				tariffs[g.MPRN] = t
			}
		}
	}
	return tariffs, nil
}

// activeTariff picks the agreement whose validity contains today. Dates are
// compared as ISO strings.
func activeTariff(agreements []agreement, today string) (types.Tariff, bool) {
	for _, a := range agreements {
		if a.ValidFrom == "" || a.ValidFrom > today {
			continue
		}
		if a.ValidTo != "" && a.ValidTo < today {
			continue
		}
		if a.Tariff == nil {
			continue
		}
		tr := a.Tariff

		t := types.Tariff{
			Name:                tr.DisplayName,
			Code:                tr.TariffCode,
			Type:                tr.Typename,
			UnitRatePence:       numberPtr(tr.UnitRate),
			StandingChargePence: numberPtr(tr.StandingCharge),
			ValidFrom:           a.ValidFrom,
			ValidTo:             a.ValidTo,
		}
		if t.Name == "" {
			t.Name = tr.FullName
		}

		if t.UnitRatePence == nil && len(tr.UnitRates) > 0 {
			var total float64
			for _, r := range tr.UnitRates {
				v := numberPtr(r.Value)
				if v == nil {
					continue
				}
				total += *v
				t.UnitRatesSchedule = append(t.UnitRatesSchedule, types.TariffRate{Value: *v, ValidFrom: r.ValidFrom, ValidTo: r.ValidTo})
			}
			if n := len(t.UnitRatesSchedule); n > 0 {
				avg := total / float64(n)
				t.UnitRatePence = &avg
			}
		}

		if tr.Typename == "HalfHourlyTariff" {
			t.TimeOfUse = true
		} else if len(t.UnitRatesSchedule) > 0 {
			distinct := map[float64]bool{}
			for _, r := range t.UnitRatesSchedule {
				distinct[r.Value] = true
			}
			t.TimeOfUse = len(distinct) > 1
		}
		return t, true
	}
	return types.Tariff{}, false
}

func numberPtr(n *json.Number) *float64 {
	if n == nil {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil
	}
	return &f
}
