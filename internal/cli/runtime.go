package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/llm"
	"github.com/randalmurphal/dashflow/pkg/pipeline"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider/grafana"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider/llmprovider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider/postgres"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider/prometheus"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider/vectorindex"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// MetricLister lists the metric names a metric datasource serves.
type MetricLister interface {
	MetricNames(ctx context.Context, datasourceURL string) ([]string, error)
}

// Runtime is a built pipeline plus the collaborators commands use around it.
type Runtime struct {
	Pipeline    *pipeline.Pipeline
	Datasources provider.DatasourceLister

	// Index and Metrics, when both set, are used to load the similarity
	// catalog of every metric datasource before a run.
	Index   *vectorindex.Index
	Metrics MetricLister

	closers []func() error
}

// Close releases stores and connections opened for the runtime.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

// OnClose registers fn to run on Close.
func (rt *Runtime) OnClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// OpenRuntime wires the Grafana, Prometheus, Postgres and LLM bindings into
// a pipeline according to s.
func OpenRuntime(ctx context.Context, s pipeline.Settings, logger *slog.Logger) (*Runtime, error) {
	if s.GrafanaURL == "" {
		return nil, errors.New("grafana.url is required")
	}

	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	dashboards := grafana.New(s.GrafanaURL, s.GrafanaAPIKey)
	prom := prometheus.New()
	index := vectorindex.New()

	schema, err := openSchema(ctx, s, rt)
	if err != nil {
		return nil, err
	}

	store, err := pipeline.OpenCheckpointStore(ctx, s)
	if err != nil {
		return nil, err
	}
	if store != nil {
		rt.OnClose(store.Close)
	}

	model := llm.NewClaudeCLI(llm.WithClaudePath(s.LLMBinary), llm.WithModel(s.LLMModel))
	generator := llmprovider.New(model,
		llmprovider.WithModel(s.LLMModel),
		llmprovider.WithLogger(logger),
	)

	set := provider.Set{
		Extractor:         generator,
		Searcher:          index,
		Labels:            prom,
		MetricQueries:     generator,
		RelationalQueries: generator,
		Schema:            schema,
		Synthesizer:       generator,
		Deployer:          dashboards,
	}

	p, err := pipeline.New(set,
		pipeline.WithLogger(logger),
		pipeline.WithCheckpointStore(store),
		pipeline.WithSettings(s),
	)
	if err != nil {
		return nil, err
	}

	rt.Pipeline = p
	rt.Datasources = dashboards
	rt.Index = index
	rt.Metrics = prom
	ok = true
	return rt, nil
}

// openSchema picks the live database when a DSN is configured, else the
// metadata file, else no schema source.
func openSchema(ctx context.Context, s pipeline.Settings, rt *Runtime) (provider.SchemaSource, error) {
	switch {
	case s.PostgresDSN != "":
		live, err := postgres.OpenLive(ctx, s.PostgresDSN)
		if err != nil {
			return nil, err
		}
		rt.OnClose(live.Close)
		return live, nil
	case s.MetadataFile != "":
		return postgres.LoadMetadata(s.MetadataFile)
	default:
		return nil, nil
	}
}

// loadCatalogs stores the metric names of every metric datasource in the
// similarity index. A datasource that cannot be listed is skipped with a
// warning; its queries then fail in similarity search.
func (rt *Runtime) loadCatalogs(ctx context.Context, logger *slog.Logger, datasources []state.Datasource) {
	if rt.Index == nil || rt.Metrics == nil {
		return
	}
	for _, ds := range datasources {
		if state.KindForDatasource(ds.Type) != state.KindMetric || rt.Index.Len(ds.ID) > 0 {
			continue
		}
		names, err := rt.Metrics.MetricNames(ctx, ds.URL)
		if err != nil {
			logger.Warn("skipping metric catalog", slog.String("datasource", ds.Name), slog.Any("error", err))
			continue
		}
		n := rt.Index.Store(ds.ID, names)
		logger.Debug("loaded metric catalog", slog.String("datasource", ds.Name), slog.Int("metrics", n))
	}
}

// fetchDatasources lists the catalog and loads the similarity index.
func (rt *Runtime) fetchDatasources(ctx context.Context, logger *slog.Logger) ([]state.Datasource, error) {
	if rt.Datasources == nil {
		return nil, errors.New("no datasource catalog configured")
	}
	datasources, err := rt.Datasources.FetchDatasources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	rt.loadCatalogs(ctx, logger, datasources)
	return datasources, nil
}
