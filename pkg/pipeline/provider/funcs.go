package provider

import (
	"context"

	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// ExtractorFunc adapts a function to MetricExtractor.
type ExtractorFunc func(ctx context.Context, query, datasourceName string) (MetricHints, error)

func (f ExtractorFunc) ExtractMetrics(ctx context.Context, query, datasourceName string) (MetricHints, error) {
	return f(ctx, query, datasourceName)
}

// SearcherFunc adapts a function to MetricSearcher.
type SearcherFunc func(ctx context.Context, metricNames []string, datasourceID string, maxResults int) ([]string, error)

func (f SearcherFunc) SearchSimilarMetrics(ctx context.Context, metricNames []string, datasourceID string, maxResults int) ([]string, error) {
	return f(ctx, metricNames, datasourceID, maxResults)
}

// LabelsFunc adapts a function to LabelFetcher.
type LabelsFunc func(ctx context.Context, datasourceURL string, metricNames []string) (map[string][]string, error)

func (f LabelsFunc) FetchMetricLabels(ctx context.Context, datasourceURL string, metricNames []string) (map[string][]string, error) {
	return f(ctx, datasourceURL, metricNames)
}

// MetricQueryFunc adapts a function to MetricQueryGenerator.
type MetricQueryFunc func(ctx context.Context, qc MetricQueryContext) (string, error)

func (f MetricQueryFunc) GenerateMetricQuery(ctx context.Context, qc MetricQueryContext) (string, error) {
	return f(ctx, qc)
}

// RelationalQueryFunc adapts a function to RelationalQueryGenerator.
type RelationalQueryFunc func(ctx context.Context, originalQuery, datasourceID, schemaContext string) (string, error)

func (f RelationalQueryFunc) GenerateRelationalQuery(ctx context.Context, originalQuery, datasourceID, schemaContext string) (string, error) {
	return f(ctx, originalQuery, datasourceID, schemaContext)
}

// SchemaFunc adapts a function to SchemaSource.
type SchemaFunc func(ctx context.Context, ds state.Datasource) (string, error)

func (f SchemaFunc) SchemaContext(ctx context.Context, ds state.Datasource) (string, error) {
	return f(ctx, ds)
}

// SynthesizerFunc adapts a function to DashboardSynthesizer.
type SynthesizerFunc func(ctx context.Context, queries []QuerySpec) (Dashboard, error)

func (f SynthesizerFunc) SynthesizeDashboard(ctx context.Context, queries []QuerySpec) (Dashboard, error) {
	return f(ctx, queries)
}

// DeployerFunc adapts a function to Deployer.
type DeployerFunc func(ctx context.Context, doc state.Document) (state.DeploymentResult, error)

func (f DeployerFunc) DeployDashboard(ctx context.Context, doc state.Document) (state.DeploymentResult, error) {
	return f(ctx, doc)
}

// DatasourcesFunc adapts a function to DatasourceLister.
type DatasourcesFunc func(ctx context.Context) ([]state.Datasource, error)

func (f DatasourcesFunc) FetchDatasources(ctx context.Context) ([]state.Datasource, error) {
	return f(ctx)
}

// StaticSchema is a SchemaSource returning the same text for every datasource.
type StaticSchema string

func (s StaticSchema) SchemaContext(context.Context, state.Datasource) (string, error) {
	return string(s), nil
}
