package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles          *prometheus.CounterVec
	chunks          *prometheus.CounterVec
	samplesImported prometheus.Counter
	pendingMeters   prometheus.Gauge
	importPaused    prometheus.Gauge
}

// newMetrics registers with reg. A nil reg still returns usable collectors
// that are simply not exported.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eonnext_backfill_cycles_total",
			Help: "Total number of backfill cycles by result",
		}, []string{"result"}),
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eonnext_backfill_chunks_total",
			Help: "Total number of backfill chunk requests by result",
		}, []string{"result"}),
		samplesImported: factory.NewCounter(prometheus.CounterOpts{
			Name: "eonnext_backfill_samples_imported_total",
			Help: "Total number of consumption samples handed to the statistics sink",
		}),
		pendingMeters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eonnext_backfill_pending_meters",
			Help: "Number of eligible meters that still have history to fetch",
		}),
		importPaused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eonnext_backfill_import_paused",
			Help: "1 while live statistics imports are paused for the backfill",
		}),
	}
}
