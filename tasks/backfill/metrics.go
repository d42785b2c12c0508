package backfill

import (
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	pre = "cmtidx_backfill_"

	slotDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
)

// Measures groups the backfill metrics.
var Measures = struct {
	Gaps         *stats.Int64Measure
	Slots        *stats.Int64Measure
	SlotFailures *stats.Int64Measure
	Events       *stats.Int64Measure
	Malformed    *stats.Int64Measure
	SlotDuration promclient.Histogram
}{
	Gaps:         stats.Int64(pre+"gaps", "Sequence gaps processed.", stats.UnitDimensionless),
	Slots:        stats.Int64(pre+"slots", "Slots indexed.", stats.UnitDimensionless),
	SlotFailures: stats.Int64(pre+"slot_failures", "Slots skipped after exhausting retries.", stats.UnitDimensionless),
	Events:       stats.Int64(pre+"events", "Change-log events stored.", stats.UnitDimensionless),
	Malformed:    stats.Int64(pre+"malformed", "Transactions dropped for a malformed instruction.", stats.UnitDimensionless),
	SlotDuration: promclient.NewHistogram(promclient.HistogramOpts{
		Name:    pre + "slot_duration_seconds",
		Buckets: slotDurationBuckets,
		Help:    "Time to fetch and index one slot.",
	}),
}

func init() {
	err := view.Register(
		&view.View{Measure: Measures.Gaps, Aggregation: view.Sum()},
		&view.View{Measure: Measures.Slots, Aggregation: view.Sum()},
		&view.View{Measure: Measures.SlotFailures, Aggregation: view.Sum()},
		&view.View{Measure: Measures.Events, Aggregation: view.Sum()},
		&view.View{Measure: Measures.Malformed, Aggregation: view.Sum()},
	)
	if err != nil {
		panic(err)
	}

	if err := promclient.Register(Measures.SlotDuration); err != nil {
		panic(err)
	}
}
