package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Module provides the engine metrics instruments on the process-wide
// prometheus registry.
var Module = fx.Module("observability",
	fx.Provide(func() prometheus.Registerer { return prometheus.DefaultRegisterer }),
	fx.Provide(NewMetrics),
)

// Metrics exposes the engine-level instruments.
type Metrics struct {
	HistoryRows      *prometheus.CounterVec
	SnapshotRecords  prometheus.Counter
	Snapshots        prometheus.Counter
	InsertRaces      *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HistoryRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_history_rows_total",
			Help: "History rows appended, by history table and operation.",
		}, []string{"table", "op"}),
		SnapshotRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_snapshot_records_total",
			Help: "Records captured into snapshots.",
		}),
		Snapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_snapshots_total",
			Help: "Snapshot traversals completed.",
		}),
		InsertRaces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_insert_races_total",
			Help: "Concurrent history inserts resolved by adopting the winner.",
		}, []string{"table"}),
		OperationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chronicle_operation_duration_seconds",
			Help:    "Duration of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}
