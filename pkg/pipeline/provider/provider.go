// Package provider declares the external capabilities the pipeline stages
// call: metric extraction, similarity search, label discovery, query
// generation, dashboard synthesis and deployment.
//
// Implementations must be safe for concurrent use; several runs, and several
// queries within one stage, may call the same provider at once. Concrete
// bindings live in the subpackages. The Func adapters let tests and small
// programs supply plain functions.
package provider

import (
	"context"
	"errors"

	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// MetricHints are the metric names and labels suggested for one request.
type MetricHints struct {
	Metrics []string `json:"metrics"`
	Labels  []string `json:"labels"`
}

// MetricExtractor suggests metrics for a natural-language request.
type MetricExtractor interface {
	ExtractMetrics(ctx context.Context, query, datasourceName string) (MetricHints, error)
}

// MetricSearcher maps suggested names onto metrics that exist in a
// datasource. Results are ranked and deduplicated.
type MetricSearcher interface {
	SearchSimilarMetrics(ctx context.Context, metricNames []string, datasourceID string, maxResults int) ([]string, error)
}

// LabelFetcher discovers the labels carried by metrics.
type LabelFetcher interface {
	FetchMetricLabels(ctx context.Context, datasourceURL string, metricNames []string) (map[string][]string, error)
}

// MetricQueryContext is the input for metric query generation.
type MetricQueryContext struct {
	DatasourceID  string              `json:"datasource_uid"`
	OriginalQuery string              `json:"original_query"`
	Metrics       []string            `json:"metrics"`
	Labels        map[string][]string `json:"labels"`
}

// MetricQueryGenerator writes a metric query (PromQL) for a request.
type MetricQueryGenerator interface {
	GenerateMetricQuery(ctx context.Context, qc MetricQueryContext) (string, error)
}

// RelationalQueryGenerator writes a relational query (SQL) for a request.
type RelationalQueryGenerator interface {
	GenerateRelationalQuery(ctx context.Context, originalQuery, datasourceID, schemaContext string) (string, error)
}

// SchemaSource renders the schema description handed to relational query
// generation.
type SchemaSource interface {
	SchemaContext(ctx context.Context, ds state.Datasource) (string, error)
}

// QuerySpec is one validated query offered to dashboard synthesis.
type QuerySpec struct {
	DatasourceID  string          `json:"mandatory_datasource_uuid"`
	OriginalQuery string          `json:"userquery"`
	QueryText     string          `json:"query"`
	Kind          state.QueryKind `json:"kind"`
}

// Dashboard is what dashboard synthesis returns.
type Dashboard struct {
	Title  string        `json:"title"`
	UID    string        `json:"uid"`
	Panels []state.Panel `json:"panels"`
}

// DashboardSynthesizer lays out panels for a set of queries.
type DashboardSynthesizer interface {
	SynthesizeDashboard(ctx context.Context, queries []QuerySpec) (Dashboard, error)
}

// Deployer publishes a dashboard document.
type Deployer interface {
	DeployDashboard(ctx context.Context, doc state.Document) (state.DeploymentResult, error)
}

// DatasourceLister returns the datasource catalog. Callers use it to build
// the initial state; stages never call it.
type DatasourceLister interface {
	FetchDatasources(ctx context.Context) ([]state.Datasource, error)
}

// Set bundles the providers a pipeline needs. Schema is optional; without
// it relational queries are generated with an empty schema context.
type Set struct {
	Extractor         MetricExtractor
	Searcher          MetricSearcher
	Labels            LabelFetcher
	MetricQueries     MetricQueryGenerator
	RelationalQueries RelationalQueryGenerator
	Schema            SchemaSource
	Synthesizer       DashboardSynthesizer
	Deployer          Deployer
}

// ErrMissingProvider reports an unset required provider.
var ErrMissingProvider = errors.New("missing provider")

// Validate reports every required provider that is nil.
func (s Set) Validate() error {
	var errs []error
	check := func(name string, missing bool) {
		if missing {
			errs = append(errs, &MissingError{Name: name})
		}
	}
	check("extractor", s.Extractor == nil)
	check("searcher", s.Searcher == nil)
	check("labels", s.Labels == nil)
	check("metric queries", s.MetricQueries == nil)
	check("relational queries", s.RelationalQueries == nil)
	check("synthesizer", s.Synthesizer == nil)
	check("deployer", s.Deployer == nil)
	return errors.Join(errs...)
}

// MissingError names a provider absent from a Set.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return "missing provider: " + e.Name
}

func (e *MissingError) Unwrap() error {
	return ErrMissingProvider
}
