package harmonydb

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	dbTag, _         = tag.NewKey("db_name")
	pre              = "cmtidx_db_"
	waitsBuckets     = []float64{0, 10, 20, 30, 50, 80, 130, 210, 340, 550, 890}
	whichHostBuckets = []float64{0, 1, 2, 3, 4, 5}
)

// DBMeasures groups the database measures recorded by the query tracer.
var DBMeasures = struct {
	Hits                 *stats.Int64Measure
	TotalWait            *stats.Int64Measure
	Waits                *stats.Float64Measure
	OpenConnections      *stats.Int64Measure
	Errors               *stats.Int64Measure
	WhichHost            *stats.Int64Measure
	SerializationRetries *stats.Int64Measure
}{
	Hits:                 stats.Int64(pre+"hits", "Total number of uses.", stats.UnitDimensionless),
	TotalWait:            stats.Int64(pre+"total_wait", "Total delay. A numerator over hits to get average wait.", stats.UnitMilliseconds),
	Waits:                stats.Float64(pre+"waits", "The histogram of waits for query completions.", stats.UnitMilliseconds),
	OpenConnections:      stats.Int64(pre+"open_connections", "Total connection count.", stats.UnitDimensionless),
	Errors:               stats.Int64(pre+"errors", "Total error count.", stats.UnitDimensionless),
	WhichHost:            stats.Int64(pre+"which_host", "The index of the hostname being used", stats.UnitDimensionless),
	SerializationRetries: stats.Int64(pre+"serialization_retries", "Statements retried after a serialization failure.", stats.UnitDimensionless),
}

// DefaultViews lists the database views; they are registered in init.
var DefaultViews = []*view.View{
	{Measure: DBMeasures.Hits, Aggregation: view.Sum(), TagKeys: []tag.Key{dbTag}},
	{Measure: DBMeasures.TotalWait, Aggregation: view.Sum(), TagKeys: []tag.Key{dbTag}},
	{Measure: DBMeasures.Waits, Aggregation: view.Distribution(waitsBuckets...), TagKeys: []tag.Key{dbTag}},
	{Measure: DBMeasures.OpenConnections, Aggregation: view.LastValue(), TagKeys: []tag.Key{dbTag}},
	{Measure: DBMeasures.Errors, Aggregation: view.Sum(), TagKeys: []tag.Key{dbTag}},
	{Measure: DBMeasures.WhichHost, Aggregation: view.Distribution(whichHostBuckets...), TagKeys: []tag.Key{dbTag}},
	{Measure: DBMeasures.SerializationRetries, Aggregation: view.Sum(), TagKeys: []tag.Key{dbTag}},
}

func init() {
	if err := view.Register(DefaultViews...); err != nil {
		panic(err)
	}
}
