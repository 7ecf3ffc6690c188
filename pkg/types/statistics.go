package types

import (
	"time"
)

// StatisticMetadata describes an external statistic series.
type StatisticMetadata struct {
	StatisticID       string `json:"statisticID"`
	Name              string `json:"name"`
	Source            string `json:"source"`
	UnitOfMeasurement string `json:"unitOfMeasurement"`
	HasSum            bool   `json:"hasSum"`
}

// StatisticPoint is one hourly bucket of a cumulative series.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}
