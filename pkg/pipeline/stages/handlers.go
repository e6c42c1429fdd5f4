package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/dashflow/pkg/flowgraph"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Initialize resets the run's counters and derived lists and stamps the
// start time. A negative MaxRetries becomes DefaultMaxRetries; zero is kept
// and fails the run at the first invalid query. It always succeeds.
func (h *Handlers) Initialize(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	maxRetries := s.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	u := h.advance(Initialize, state.StageInitialized,
		fmt.Sprintf("initialized run with %d queries", len(s.Queries)),
		map[string]any{"query_count": len(s.Queries), "max_retries": maxRetries},
	)
	u.RetryCount = state.IntPtr(0)
	u.MaxRetries = state.IntPtr(maxRetries)
	u.StartedAt = state.TimePtr(h.now())
	u.EndedAt = state.TimePtr(time.Time{})
	u.MetricsContexts = state.Replace[state.MetricsContext]()
	u.GeneratedQueries = state.Replace[state.GeneratedQuery]()
	return u, nil
}

// ExtractIntent resolves each query's datasource by exact name and
// classifies the query by the datasource type. Any unresolved datasource
// fails the run.
func (h *Handlers) ExtractIntent(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	if len(s.Queries) == 0 {
		return h.fail(ExtractIntent, state.ErrEmptyResultSet, "no queries to process", nil), nil
	}

	var unresolved []state.ErrorRecord
	enriched := make([]state.QueryRequest, len(s.Queries))
	counts := map[state.QueryKind]int{}

	for i, q := range s.Queries {
		ds, ok := s.Datasource(q.DatasourceName)
		if !ok {
			unresolved = append(unresolved, state.ErrorRecord{
				Stage:   ExtractIntent,
				Kind:    state.ErrUnresolvedDatasource,
				Message: fmt.Sprintf("datasource %q not found", q.DatasourceName),
				Context: map[string]string{"query_index": fmt.Sprint(i), "query": q.Text},
			})
			continue
		}
		kind := state.KindForDatasource(ds.Type)
		if kind == state.KindUnknown {
			unresolved = append(unresolved, state.ErrorRecord{
				Stage:   ExtractIntent,
				Kind:    state.ErrUnresolvedDatasource,
				Message: fmt.Sprintf("datasource %q has unsupported type %q", ds.Name, ds.Type),
				Context: map[string]string{"query_index": fmt.Sprint(i), "query": q.Text},
			})
			continue
		}

		q.DatasourceID = ds.ID
		q.DatasourceType = ds.Type
		q.DatasourceURL = ds.URL
		q.Kind = kind
		enriched[i] = q
		counts[kind]++
	}

	if len(unresolved) > 0 {
		msg := fmt.Sprintf("%d of %d queries reference unknown datasources", len(unresolved), len(s.Queries))
		return state.Update{
			Stage:  state.StagePtr(state.StageFailed),
			Errors: unresolved,
			Log:    []state.LogEntry{h.entry(ExtractIntent, state.StageFailed, state.LevelError, msg, nil)},
		}, nil
	}

	u := h.advance(ExtractIntent, state.StageIntentExtracted,
		fmt.Sprintf("classified %d queries", len(enriched)),
		map[string]any{
			"metric_queries":     counts[state.KindMetric],
			"relational_queries": counts[state.KindRelational],
		},
	)
	u.Queries = enriched
	return u, nil
}

func emptyContext() state.MetricsContext {
	return state.MetricsContext{
		SuggestedMetrics: []string{},
		SuggestedLabels:  []string{},
		SimilarMetrics:   []string{},
		MetricLabels:     map[string][]string{},
	}
}

// ExtractMetrics asks the extractor for candidate metrics for every metric
// query. Relational queries get an empty context. One context is appended
// per query, in query order.
func (h *Handlers) ExtractMetrics(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	contexts, err := fanOut(ctx, h, len(s.Queries), func(cctx context.Context, i int) (state.MetricsContext, error) {
		q := s.Queries[i]
		mc := emptyContext()
		if q.Kind != state.KindMetric {
			return mc, nil
		}
		hints, err := call(cctx, h, "extract metrics", func(c context.Context) (provider.MetricHints, error) {
			return h.providers.Extractor.ExtractMetrics(c, q.Text, q.DatasourceName)
		})
		if err != nil {
			return mc, err
		}
		mc.SuggestedMetrics = nonNil(hints.Metrics)
		mc.SuggestedLabels = nonNil(hints.Labels)
		return mc, nil
	})
	if err != nil {
		return h.fail(ExtractMetrics, state.ErrProviderFailure,
			fmt.Sprintf("metric extraction failed: %v", err), failedQuery(err, s.Queries)), nil
	}

	suggested := 0
	for _, mc := range contexts {
		suggested += len(mc.SuggestedMetrics)
	}
	u := h.advance(ExtractMetrics, state.StageMetricsExtracted,
		fmt.Sprintf("extracted %d candidate metrics", suggested),
		map[string]any{"suggested_metrics": suggested},
	)
	u.MetricsContexts = state.Append(contexts...)
	return u, nil
}

// VectorSearch maps each metric query's suggested metrics onto metrics the
// datasource actually has and fetches their labels. The whole context list
// is re-emitted so it replaces the one appended by ExtractMetrics.
func (h *Handlers) VectorSearch(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	if len(s.MetricsContexts) != len(s.Queries) {
		return h.fail(VectorSearch, state.ErrProviderFailure,
			fmt.Sprintf("have %d metric contexts for %d queries", len(s.MetricsContexts), len(s.Queries)), nil), nil
	}

	contexts, err := fanOut(ctx, h, len(s.Queries), func(cctx context.Context, i int) (state.MetricsContext, error) {
		q := s.Queries[i]
		mc := s.MetricsContexts[i]
		mc.SimilarMetrics = []string{}
		mc.MetricLabels = map[string][]string{}
		if q.Kind != state.KindMetric || len(mc.SuggestedMetrics) == 0 {
			return mc, nil
		}

		similar, err := call(cctx, h, "search similar metrics", func(c context.Context) ([]string, error) {
			return h.providers.Searcher.SearchSimilarMetrics(c, mc.SuggestedMetrics, q.DatasourceID, h.similar)
		})
		if err != nil {
			return mc, err
		}
		mc.SimilarMetrics = nonNil(similar)
		if len(similar) == 0 {
			return mc, nil
		}

		labels, err := call(cctx, h, "fetch metric labels", func(c context.Context) (map[string][]string, error) {
			return h.providers.Labels.FetchMetricLabels(c, q.DatasourceURL, similar)
		})
		if err != nil {
			return mc, err
		}
		if labels != nil {
			mc.MetricLabels = labels
		}
		return mc, nil
	})
	if err != nil {
		return h.fail(VectorSearch, state.ErrProviderFailure,
			fmt.Sprintf("similarity search failed: %v", err), failedQuery(err, s.Queries)), nil
	}

	u := h.advance(VectorSearch, state.StageSimilaritySearched, "matched suggested metrics", nil)
	for i, mc := range contexts {
		if s.Queries[i].Kind == state.KindMetric && len(mc.SimilarMetrics) == 0 {
			msg := fmt.Sprintf("no indexed metrics matched query %d; generation will use the suggested names", i)
			ctx.Logger().Warn(msg, slog.String("query", s.Queries[i].Text))
			u.Log = append(u.Log, h.entry(VectorSearch, state.StageSimilaritySearched, state.LevelWarn, msg,
				map[string]any{"kind": string(state.ErrPostprocessingAnomaly)}))
		}
	}
	u.MetricsContexts = state.Replace(contexts...)
	return u, nil
}

// GenerateQuery writes one query per request with the generator matching
// its kind. Every generated query starts invalid until ValidateQuery runs.
// The list replaces any earlier attempt's.
func (h *Handlers) GenerateQuery(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	attempt := s.RetryCount + 1

	generated, err := fanOut(ctx, h, len(s.Queries), func(cctx context.Context, i int) (state.GeneratedQuery, error) {
		q := s.Queries[i]
		gq := state.GeneratedQuery{
			DatasourceID: q.DatasourceID,
			OriginalText: q.Text,
			Kind:         q.Kind,
		}

		var text string
		var err error
		switch q.Kind {
		case state.KindMetric:
			text, err = h.metricQuery(cctx, s, i)
		case state.KindRelational:
			text, err = h.relationalQuery(cctx, q)
		default:
			err = fmt.Errorf("unsupported query kind %q", q.Kind)
		}
		gq.GeneratedText = text
		return gq, err
	})
	if err != nil {
		return h.fail(GenerateQuery, state.ErrProviderFailure,
			fmt.Sprintf("query generation failed: %v", err), failedQuery(err, s.Queries)), nil
	}

	u := h.advance(GenerateQuery, state.StageQueryGenerated,
		fmt.Sprintf("generated %d queries (attempt %d)", len(generated), attempt),
		map[string]any{"attempt": attempt},
	)
	u.GeneratedQueries = state.Replace(generated...)
	return u, nil
}

func (h *Handlers) metricQuery(ctx context.Context, s state.WorkflowState, i int) (string, error) {
	q := s.Queries[i]
	qc := provider.MetricQueryContext{
		DatasourceID:  q.DatasourceID,
		OriginalQuery: q.Text,
		Labels:        map[string][]string{},
	}
	if i < len(s.MetricsContexts) {
		mc := s.MetricsContexts[i]
		qc.Metrics = mc.SimilarMetrics
		if len(qc.Metrics) == 0 {
			qc.Metrics = mc.SuggestedMetrics
		}
		if mc.MetricLabels != nil {
			qc.Labels = mc.MetricLabels
		}
	}
	return call(ctx, h, "generate metric query", func(c context.Context) (string, error) {
		return h.providers.MetricQueries.GenerateMetricQuery(c, qc)
	})
}

func (h *Handlers) relationalQuery(ctx context.Context, q state.QueryRequest) (string, error) {
	schema := ""
	if h.providers.Schema != nil {
		ds := state.Datasource{Name: q.DatasourceName, ID: q.DatasourceID, Type: q.DatasourceType, URL: q.DatasourceURL}
		var err error
		schema, err = call(ctx, h, "load schema context", func(c context.Context) (string, error) {
			return h.providers.Schema.SchemaContext(c, ds)
		})
		if err != nil {
			return "", err
		}
	}
	return call(ctx, h, "generate relational query", func(c context.Context) (string, error) {
		return h.providers.RelationalQueries.GenerateRelationalQuery(c, q.Text, q.DatasourceID, schema)
	})
}

// ValidateQuery checks every generated query structurally. When any fail
// and retries remain, it counts the retry and sets StageFailed so the router
// sends the run back to GenerateQuery. With no retries left StageFailed is
// final.
func (h *Handlers) ValidateQuery(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	validated := make([]state.GeneratedQuery, len(s.GeneratedQueries))
	var invalid []string
	for i, gq := range s.GeneratedQueries {
		problems := Validate(gq.Kind, gq.GeneratedText)
		gq.Valid = len(problems) == 0
		gq.ValidationErrors = problems
		validated[i] = gq
		if !gq.Valid {
			invalid = append(invalid, fmt.Sprintf("query %d: %s", i, strings.Join(problems, "; ")))
		}
	}

	if len(invalid) == 0 {
		u := h.advance(ValidateQuery, state.StageQueryValidated,
			fmt.Sprintf("all %d queries valid", len(validated)), nil)
		u.GeneratedQueries = state.Replace(validated...)
		return u, nil
	}

	attempt := s.RetryCount + 1
	msg := fmt.Sprintf("%d of %d generated queries failed validation on attempt %d: %s",
		len(invalid), len(validated), attempt, strings.Join(invalid, " | "))
	u := h.fail(ValidateQuery, state.ErrValidationFailure, msg, map[string]string{
		"attempt":     fmt.Sprint(attempt),
		"max_retries": fmt.Sprint(s.MaxRetries),
	})
	u.GeneratedQueries = state.Replace(validated...)

	if s.RetryCount < s.MaxRetries {
		u.RetryCount = state.IntPtr(s.RetryCount + 1)
		u.Log[0].Level = state.LevelWarn
		ctx.Logger().Warn("generated queries failed validation",
			slog.Int("invalid", len(invalid)),
			slog.Int("retry_count", s.RetryCount+1),
			slog.Int("max_retries", s.MaxRetries),
		)
	}
	return u, nil
}

// GenerateDashboard builds a dashboard from the valid queries and repairs
// the synthesized panel list.
func (h *Handlers) GenerateDashboard(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	valid := s.ValidQueries()
	if len(valid) == 0 {
		return h.fail(GenerateDashboard, state.ErrEmptyResultSet, "no valid queries to build a dashboard from", nil), nil
	}

	specs := make([]provider.QuerySpec, len(valid))
	datasources := make(map[string]bool, len(valid))
	for i, gq := range valid {
		specs[i] = provider.QuerySpec{
			DatasourceID:  gq.DatasourceID,
			OriginalQuery: gq.OriginalText,
			QueryText:     gq.GeneratedText,
			Kind:          gq.Kind,
		}
		datasources[gq.DatasourceID] = true
	}

	dash, err := call(context.WithoutCancel(ctx), h, "synthesize dashboard", func(c context.Context) (provider.Dashboard, error) {
		return h.providers.Synthesizer.SynthesizeDashboard(c, specs)
	})
	if err != nil {
		return h.fail(GenerateDashboard, state.ErrProviderFailure,
			fmt.Sprintf("dashboard synthesis failed: %v", err), nil), nil
	}

	panels, anomalies := CorrectPanels(dash.Panels, len(valid), datasources)
	if len(panels) == 0 {
		return h.fail(GenerateDashboard, state.ErrEmptyResultSet,
			fmt.Sprintf("dashboard synthesis returned no usable panels (%d returned)", len(dash.Panels)), nil), nil
	}

	title := dash.Title
	if title == "" {
		title = "Generated Dashboard"
	}
	titles := make([]string, len(panels))
	for i, p := range panels {
		titles[i] = p.Title
	}

	u := h.advance(GenerateDashboard, state.StageDashboardGenerated,
		fmt.Sprintf("dashboard generated with %d panels", len(panels)),
		map[string]any{"panel_count": len(panels), "panel_titles": titles},
	)
	for _, a := range anomalies {
		ctx.Logger().Warn("corrected synthesized dashboard",
			slog.String("anomaly", a.Kind),
			slog.String("detail", a.Detail),
		)
		u.Log = append(u.Log, h.entry(GenerateDashboard, state.StageDashboardGenerated, state.LevelWarn, a.Detail,
			map[string]any{"kind": string(state.ErrPostprocessingAnomaly), "anomaly": a.Kind}))
	}
	u.Dashboard = &state.DashboardSpec{
		Title:  title,
		UID:    dash.UID,
		Panels: panels,
	}
	return u, nil
}

// DeployDashboard publishes the dashboard and records where it landed.
func (h *Handlers) DeployDashboard(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	if s.Dashboard == nil {
		u := h.fail(DeployDashboard, state.ErrEmptyResultSet, "no dashboard to deploy", nil)
		u.EndedAt = state.TimePtr(h.now())
		return u, nil
	}

	doc := state.BuildDocument(*s.Dashboard)
	res, err := call(context.WithoutCancel(ctx), h, "deploy dashboard", func(c context.Context) (state.DeploymentResult, error) {
		return h.providers.Deployer.DeployDashboard(c, doc)
	})
	if err != nil {
		u := h.fail(DeployDashboard, state.ErrProviderFailure,
			fmt.Sprintf("deployment failed: %v", err), map[string]string{"dashboard_uid": doc.UID})
		u.EndedAt = state.TimePtr(h.now())
		return u, nil
	}

	dash := *s.Dashboard
	dash.DeployedURL = res.URL
	if dash.UID == "" {
		dash.UID = res.UID
	}

	u := h.advance(DeployDashboard, state.StageDeployed,
		fmt.Sprintf("dashboard deployed at %s", res.URL),
		map[string]any{"url": res.URL, "uid": res.UID},
	)
	u.Dashboard = &dash
	u.Deployment = &res
	u.EndedAt = state.TimePtr(h.now())
	return u, nil
}

// ErrorHandler ends a failed run. It logs the most recent error, sets
// StageFailed and stamps the end time if no earlier stage did.
func (h *Handlers) ErrorHandler(ctx flowgraph.Context, s state.WorkflowState) (state.Update, error) {
	msg := "run failed"
	if last, ok := s.LastError(); ok {
		ctx.Logger().Error("run failed",
			slog.String("stage", last.Stage),
			slog.String("kind", string(last.Kind)),
			slog.String("error", last.Message),
			slog.Int("error_count", len(s.Errors)),
		)
		msg = fmt.Sprintf("run failed in %s: %s", last.Stage, last.Message)
	} else {
		ctx.Logger().Error("run failed without an error record")
	}

	u := state.Update{
		Stage: state.StagePtr(state.StageFailed),
		Log: []state.LogEntry{h.entry(ErrorHandler, state.StageFailed, state.LevelError, msg,
			map[string]any{"error_count": len(s.Errors)})},
	}
	if s.EndedAt.IsZero() {
		u.EndedAt = state.TimePtr(h.now())
	}
	return u, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
