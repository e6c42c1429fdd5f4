package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/dashflow/pkg/pipeline"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

var catalog = []state.Datasource{
	{Name: "Prometheus", ID: "prom-uid", Type: "prometheus", URL: "http://prom:9090"},
	{Name: "Shop DB", ID: "pg-uid", Type: "postgres"},
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func providers() provider.Set {
	return provider.Set{
		Extractor: provider.ExtractorFunc(func(_ context.Context, query, _ string) (provider.MetricHints, error) {
			return provider.MetricHints{Metrics: []string{"http_requests_total"}}, nil
		}),
		Searcher: provider.SearcherFunc(func(_ context.Context, names []string, _ string, _ int) ([]string, error) {
			return names, nil
		}),
		Labels: provider.LabelsFunc(func(_ context.Context, _ string, names []string) (map[string][]string, error) {
			return map[string][]string{names[0]: {"instance"}}, nil
		}),
		MetricQueries: provider.MetricQueryFunc(func(_ context.Context, qc provider.MetricQueryContext) (string, error) {
			return "sum(rate(" + qc.Metrics[0] + "[5m]))", nil
		}),
		RelationalQueries: provider.RelationalQueryFunc(func(context.Context, string, string, string) (string, error) {
			return "SELECT count(*) FROM orders", nil
		}),
		Synthesizer: provider.SynthesizerFunc(func(_ context.Context, qs []provider.QuerySpec) (provider.Dashboard, error) {
			d := provider.Dashboard{Title: "Bench", UID: "bench"}
			for _, q := range qs {
				d.Panels = append(d.Panels, state.Panel{
					Type:       "timeseries",
					Title:      q.OriginalQuery,
					Datasource: &state.PanelDatasource{UID: q.DatasourceID},
				})
			}
			return d, nil
		}),
		Deployer: provider.DeployerFunc(func(_ context.Context, doc state.Document) (state.DeploymentResult, error) {
			return state.DeploymentResult{URL: "/d/" + doc.UID, UID: doc.UID, Status: "success"}, nil
		}),
	}
}

func queries(n int) []state.QueryRequest {
	out := make([]state.QueryRequest, n)
	for i := range out {
		ds := "Prometheus"
		if i%2 == 1 {
			ds = "Shop DB"
		}
		out[i] = state.QueryRequest{Text: fmt.Sprintf("query %d", i), DatasourceName: ds}
	}
	return out
}

func mustPipeline(b *testing.B, opts ...pipeline.Option) *pipeline.Pipeline {
	b.Helper()
	p, err := pipeline.New(providers(), append([]pipeline.Option{pipeline.WithLogger(discard)}, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	return p
}

func benchmarkRun(b *testing.B, n int, opts ...pipeline.Option) {
	p := mustPipeline(b, opts...)
	initial := pipeline.NewState(queries(n), catalog, 3)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		final, err := p.Run(ctx, fmt.Sprintf("run-%d", i), initial)
		if err != nil || !final.Succeeded() {
			b.Fatalf("run %d: stage %s, err %v", i, final.Stage, err)
		}
	}
}

// BenchmarkRun_1Query runs one query through every stage.
func BenchmarkRun_1Query(b *testing.B) { benchmarkRun(b, 1) }

// BenchmarkRun_10Queries fans ten queries out per stage.
func BenchmarkRun_10Queries(b *testing.B) { benchmarkRun(b, 10) }

// BenchmarkRun_50Queries fans fifty queries out per stage.
func BenchmarkRun_50Queries(b *testing.B) { benchmarkRun(b, 50) }

// BenchmarkRun_MemoryCheckpoints checkpoints every stage in memory.
func BenchmarkRun_MemoryCheckpoints(b *testing.B) {
	benchmarkRun(b, 10, pipeline.WithCheckpointStore(checkpoint.NewMemoryStore()))
}

// BenchmarkRun_SQLiteCheckpoints checkpoints every stage to SQLite.
func BenchmarkRun_SQLiteCheckpoints(b *testing.B) {
	store, err := checkpoint.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	benchmarkRun(b, 10, pipeline.WithCheckpointStore(store))
}

// BenchmarkMerge measures folding a stage update into a ten-query state.
func BenchmarkMerge(b *testing.B) {
	s := pipeline.NewState(queries(10), catalog, 3)
	generated := make([]state.GeneratedQuery, 10)
	for i := range generated {
		generated[i] = state.GeneratedQuery{OriginalText: fmt.Sprintf("query %d", i), GeneratedText: "up", Valid: true}
	}
	stage := state.StageQueryValidated
	u := state.Update{Stage: &stage, GeneratedQueries: state.Replace(generated...)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = state.Merge(s, u)
	}
}

// BenchmarkStateEncode measures the checkpoint encoding of a finished run.
func BenchmarkStateEncode(b *testing.B) {
	p := mustPipeline(b)
	final, err := p.Run(context.Background(), "encode", pipeline.NewState(queries(10), catalog, 3))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := json.Marshal(final); err != nil {
			b.Fatal(err)
		}
	}
}
