package validate

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	resultKey, _ = tag.NewKey("result")

	pre = "cmtidx_validate_"
)

var Measures = struct {
	Runs       *stats.Int64Measure
	StaleNodes *stats.Int64Measure
}{
	Runs:       stats.Int64(pre+"runs", "Validations by result.", stats.UnitDimensionless),
	StaleNodes: stats.Int64(pre+"stale_nodes", "Stored internal nodes disagreeing with their leaves.", stats.UnitDimensionless),
}

func init() {
	err := view.Register(
		&view.View{Measure: Measures.Runs, Aggregation: view.Count(), TagKeys: []tag.Key{resultKey}},
		&view.View{Measure: Measures.StaleNodes, Aggregation: view.Sum()},
	)
	if err != nil {
		panic(err)
	}
}
