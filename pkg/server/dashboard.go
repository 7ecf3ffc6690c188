package server

import (
	"net/http"
	"time"

	"github.com/raterudder/eonnext/pkg/common"
)

type versionResponse struct {
	Version string `json:"version"`
}

type meterSummary struct {
	Serial            string   `json:"serial"`
	Type              string   `json:"type"`
	LatestReading     *float64 `json:"latest_reading"`
	LatestReadingDate *string  `json:"latest_reading_date"`
	DailyConsumption  *float64 `json:"daily_consumption"`
	StandingCharge    *float64 `json:"standing_charge"`
	PreviousDayCost   *float64 `json:"previous_day_cost"`
	UnitRate          *float64 `json:"unit_rate"`
	TariffName        *string  `json:"tariff_name"`
}

type evChargerSummary struct {
	DeviceID        string  `json:"device_id"`
	Serial          string  `json:"serial"`
	ScheduleSlots   int     `json:"schedule_slots"`
	NextChargeStart *string `json:"next_charge_start"`
	NextChargeEnd   *string `json:"next_charge_end"`
}

type dashboardSummary struct {
	Meters      []meterSummary     `json:"meters"`
	EVChargers  []evChargerSummary `json:"ev_chargers"`
	NeedsReauth bool               `json:"needs_reauth"`
	UpdatedAt   *time.Time         `json:"updated_at,omitempty"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, versionResponse{Version: common.Version()})
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary := dashboardSummary{
		Meters:      []meterSummary{},
		EVChargers:  []evChargerSummary{},
		NeedsReauth: s.entry.NeedsReauth(),
	}
	if data := s.entry.Dashboard(); data != nil {
		updated := data.UpdatedAt
		summary.UpdatedAt = &updated
		for _, m := range data.Meters {
			summary.Meters = append(summary.Meters, meterSummary{
				Serial:            m.Serial,
				Type:              string(m.Kind),
				LatestReading:     m.LatestReading,
				LatestReadingDate: m.LatestReadingDate,
				DailyConsumption:  m.DailyConsumption,
				StandingCharge:    m.TariffStandingCharge,
				UnitRate:          m.TariffUnitRate,
				TariffName:        m.TariffName,
			})
		}
		for _, c := range data.EVChargers {
			summary.EVChargers = append(summary.EVChargers, evChargerSummary{
				DeviceID:        c.DeviceID,
				Serial:          c.Name,
				ScheduleSlots:   len(c.Schedule),
				NextChargeStart: formatTime(c.NextChargeStart),
				NextChargeEnd:   formatTime(c.NextChargeEnd),
			})
		}
	}
	writeJSON(w, summary)
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.entry.Status())
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}
