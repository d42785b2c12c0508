package repair

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	statusKey, _ = tag.NewKey("status")

	pre = "cmtidx_repair_"
)

var Measures = struct {
	Runs     *stats.Int64Measure
	Attempts *stats.Int64Measure
}{
	Runs:     stats.Int64(pre+"runs", "Pipeline runs by final status.", stats.UnitDimensionless),
	Attempts: stats.Int64(pre+"attempts", "Rounds needed per pipeline run.", stats.UnitDimensionless),
}

func init() {
	err := view.Register(
		&view.View{Measure: Measures.Runs, Aggregation: view.Count(), TagKeys: []tag.Key{statusKey}},
		&view.View{Measure: Measures.Attempts, Aggregation: view.Distribution(1, 2, 3, 5, 10)},
	)
	if err != nil {
		panic(err)
	}
}
