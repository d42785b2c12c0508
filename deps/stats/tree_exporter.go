// Package stats exposes the indexer's opencensus views over HTTP for Prometheus and
// records per-tree progress gauges.
package stats

import (
	"context"
	"net/http"
	"time"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	logging "github.com/ipfs/go-log/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"
)

var log = logging.Logger("cmtidx/stats")

var (
	tagTreeKey, _ = tag.NewKey("tree")

	pre = "cmtidx_tree_"
)

var TreeMeasures = struct {
	StoredSeq  *stats.Int64Measure
	OnChainSeq *stats.Int64Measure
	Valid      *stats.Int64Measure
}{
	StoredSeq:  stats.Int64(pre+"stored_seq", "Highest sequence number in the store", stats.UnitDimensionless),
	OnChainSeq: stats.Int64(pre+"onchain_seq", "Sequence number of the tree account", stats.UnitDimensionless),
	Valid:      stats.Int64(pre+"valid", "1 if the last validation matched the chain", stats.UnitDimensionless),
}

func init() {
	err := view.Register(
		&view.View{Measure: TreeMeasures.StoredSeq, Aggregation: view.LastValue(), TagKeys: []tag.Key{tagTreeKey}},
		&view.View{Measure: TreeMeasures.OnChainSeq, Aggregation: view.LastValue(), TagKeys: []tag.Key{tagTreeKey}},
		&view.View{Measure: TreeMeasures.Valid, Aggregation: view.LastValue(), TagKeys: []tag.Key{tagTreeKey}},
	)
	if err != nil {
		panic(err)
	}
}

// RecordTree updates the gauges of one tree.
func RecordTree(ctx context.Context, tree string, stored, onchain uint64, valid bool) {
	v := int64(0)
	if valid {
		v = 1
	}
	err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(tagTreeKey, tree)},
		TreeMeasures.StoredSeq.M(int64(stored)),
		TreeMeasures.OnChainSeq.M(int64(onchain)),
		TreeMeasures.Valid.M(v),
	)
	if err != nil {
		log.Errorw("recording tree stats", "tree", tree, "error", err)
	}
}

// Exporter serves every registered view in the Prometheus text format. Collectors
// registered directly with the default Prometheus registry are included.
func Exporter() (http.Handler, error) {
	registry, ok := promclient.DefaultRegisterer.(*promclient.Registry)
	if !ok {
		return nil, xerrors.Errorf("failed to export default prometheus registry, got %T", promclient.DefaultRegisterer)
	}
	exporter, err := ocprom.NewExporter(ocprom.Options{
		Registry:  registry,
		Namespace: "",
	})
	if err != nil {
		return nil, xerrors.Errorf("could not create the prometheus stats exporter: %w", err)
	}
	return exporter, nil
}

// Router mounts the exporter at /debug/metrics, rate limited per client IP.
func Router(requestsPerSecond int) (http.Handler, error) {
	exp, err := Exporter()
	if err != nil {
		return nil, err
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(requestsPerSecond, time.Second))
	r.Handle("/debug/metrics", exp)
	return r, nil
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, requestsPerSecond int) error {
	h, err := Router(requestsPerSecond)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infow("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("metrics server: %w", err)
	}
	return nil
}
