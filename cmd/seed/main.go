package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/statistics"
	"github.com/raterudder/eonnext/pkg/storage"
	"github.com/raterudder/eonnext/pkg/types"
)

// seed fills the configured store with synthetic half hourly consumption so
// the API can be developed against without an E.ON Next account.
func main() {
	s := storage.Configured()
	electricSerial := lflag.String("seed-electricity-serial", "21E0000001", "Serial of the synthetic electricity meter")
	gasSerial := lflag.String("seed-gas-serial", "G4A00000001", "Serial of the synthetic gas meter")
	days := lflag.Int("seed-days", 14, "Number of days of consumption to generate")
	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock consumption")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -*days)

	// Simulation shape
	const (
		BaseLoadKWh     = 0.12 // per half hour
		EveningPeakKWh  = 0.55
		GasMorningKWh   = 1.8
		GasEveningKWh   = 2.4
		GasIdleKWh      = 0.05
		EveningPeakHour = 18.5
	)

	var electric, gas []types.ConsumptionSample
	for t := start; t.Before(end); t = t.Add(30 * time.Minute) {
		hour := float64(t.Hour()) + float64(t.Minute())/60
		peak := math.Exp(-math.Pow(hour-EveningPeakHour, 2) / 4)
		e := BaseLoadKWh + EveningPeakKWh*peak + rng.Float64()*0.05

		g := GasIdleKWh
		switch {
		case hour >= 6 && hour < 8:
			g = GasMorningKWh * (0.8 + rng.Float64()*0.4)
		case hour >= 17 && hour < 21:
			g = GasEveningKWh * (0.8 + rng.Float64()*0.4)
		}

		interval := t.Format(time.RFC3339)
		electric = append(electric, types.ConsumptionSample{IntervalStart: interval, Consumption: math.Round(e*1000) / 1000})
		gas = append(gas, types.ConsumptionSample{IntervalStart: interval, Consumption: math.Round(g*1000) / 1000})
	}

	recorder := statistics.NewRecorder(s, 0)
	if err := recorder.Import(ctx, *electricSerial, types.MeterKindElectric, electric); err != nil {
		fmt.Fprintf(os.Stderr, "failed to import electricity: %v\n", err)
		os.Exit(1)
	}
	if err := recorder.Import(ctx, *gasSerial, types.MeterKindGas, gas); err != nil {
		fmt.Fprintf(os.Stderr, "failed to import gas: %v\n", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete", "samples", len(electric)+len(gas), "days", *days)
}
