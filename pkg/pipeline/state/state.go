// Package state defines the record threaded through a dashboard run and the
// rules for folding stage updates into it.
//
// A WorkflowState is owned by one run. Stage handlers receive a snapshot and
// return an Update; Merge folds the update in with per-field replace or
// append semantics and never mutates its input.
package state

import (
	"slices"
	"time"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/observability"
)

// Stage is the position of a run in the pipeline.
type Stage string

// Stage values. StagePending is the pre-run value before Initialize.
const (
	StagePending            Stage = ""
	StageInitialized        Stage = "initialized"
	StageIntentExtracted    Stage = "intent_extracted"
	StageMetricsExtracted   Stage = "metrics_extracted"
	StageSimilaritySearched Stage = "similarity_searched"
	StageQueryGenerated     Stage = "query_generated"
	StageQueryValidated     Stage = "query_validated"
	StageDashboardGenerated Stage = "dashboard_generated"
	StageDeployed           Stage = "deployed"
	StageFailed             Stage = "failed"
)

var stages = []Stage{
	StagePending,
	StageInitialized,
	StageIntentExtracted,
	StageMetricsExtracted,
	StageSimilaritySearched,
	StageQueryGenerated,
	StageQueryValidated,
	StageDashboardGenerated,
	StageDeployed,
	StageFailed,
}

// Valid reports whether s is one of the declared stages.
func (s Stage) Valid() bool {
	return slices.Contains(stages, s)
}

// Terminal reports whether no further stage runs after s.
func (s Stage) Terminal() bool {
	return s == StageDeployed || s == StageFailed
}

func (s Stage) String() string {
	if s == StagePending {
		return "pending"
	}
	return string(s)
}

// QueryKind classifies a request by the datasource it targets.
type QueryKind string

const (
	KindUnknown    QueryKind = ""
	KindMetric     QueryKind = "prometheus"
	KindRelational QueryKind = "postgres"
)

// KindForDatasource maps a datasource type to the query kind it serves.
// Unsupported types return KindUnknown.
func KindForDatasource(dsType string) QueryKind {
	switch dsType {
	case "prometheus":
		return KindMetric
	case "postgres", "grafana-postgresql-datasource":
		return KindRelational
	default:
		return KindUnknown
	}
}

// Datasource is one entry of the catalog queries are resolved against.
type Datasource struct {
	Name string `json:"name" yaml:"name"`
	ID   string `json:"uid" yaml:"uid"`
	Type string `json:"type" yaml:"type"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
}

// QueryRequest is one natural-language request. The Datasource* fields and
// Kind are filled in by intent extraction.
type QueryRequest struct {
	Text           string    `json:"text" yaml:"query" validate:"required"`
	DatasourceName string    `json:"datasource_name" yaml:"datasource" validate:"required"`
	DatasourceID   string    `json:"datasource_uid,omitempty" yaml:"-"`
	DatasourceType string    `json:"datasource_type,omitempty" yaml:"-"`
	DatasourceURL  string    `json:"datasource_url,omitempty" yaml:"-"`
	Kind           QueryKind `json:"kind,omitempty" yaml:"-"`
}

// MetricsContext carries the metric hints for the query at the same index.
// Relational queries get an empty context.
type MetricsContext struct {
	SuggestedMetrics []string            `json:"suggested_metrics"`
	SuggestedLabels  []string            `json:"suggested_labels"`
	SimilarMetrics   []string            `json:"similar_metrics"`
	MetricLabels     map[string][]string `json:"metric_labels"`
}

// GeneratedQuery is the query text produced for one request.
type GeneratedQuery struct {
	DatasourceID     string    `json:"datasource_uid"`
	OriginalText     string    `json:"original_query"`
	GeneratedText    string    `json:"generated_query"`
	Kind             QueryKind `json:"kind"`
	Valid            bool      `json:"is_valid"`
	ValidationErrors []string  `json:"validation_errors,omitempty"`
}

// DashboardSpec is the dashboard assembled from the valid queries.
type DashboardSpec struct {
	Title       string  `json:"title"`
	UID         string  `json:"uid,omitempty"`
	Panels      []Panel `json:"panels"`
	DeployedURL string  `json:"deployed_url,omitempty"`
}

// DeploymentResult is what the dashboard backend reported on deploy.
type DeploymentResult struct {
	URL     string `json:"url"`
	UID     string `json:"uid"`
	Status  string `json:"status,omitempty"`
	Version int    `json:"version,omitempty"`
}

// ErrorKind classifies an error record.
type ErrorKind string

const (
	ErrUnresolvedDatasource  ErrorKind = "unresolved_datasource"
	ErrProviderFailure       ErrorKind = "provider_failure"
	ErrValidationFailure     ErrorKind = "validation_failure"
	ErrEmptyResultSet        ErrorKind = "empty_result_set"
	ErrPostprocessingAnomaly ErrorKind = "postprocessing_anomaly"
)

// ErrorRecord is one entry of the append-only error list. Stage names the
// handler that produced it.
type ErrorRecord struct {
	Stage   string            `json:"stage"`
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// Level is the severity of a LogEntry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is one observational record. Control logic never reads these.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Stage     Stage          `json:"stage"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WorkflowState is the full record of one run.
type WorkflowState struct {
	Queries     []QueryRequest `json:"queries"`
	Datasources []Datasource   `json:"datasources"`

	Stage      Stage `json:"stage"`
	StageIndex int   `json:"stage_index"`
	RetryCount int   `json:"retry_count"`
	MaxRetries int   `json:"max_retries"`

	MetricsContexts  []MetricsContext `json:"metrics_contexts"`
	GeneratedQueries []GeneratedQuery `json:"generated_queries"`

	Dashboard  *DashboardSpec    `json:"dashboard,omitempty"`
	Deployment *DeploymentResult `json:"deployment,omitempty"`

	Errors       []ErrorRecord `json:"errors"`
	ExecutionLog []LogEntry    `json:"execution_log"`

	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Succeeded reports whether the run reached StageDeployed.
func (s WorkflowState) Succeeded() bool {
	return s.Stage == StageDeployed
}

// Progress reports the stage, retry budget and error count to the engine's
// node logs, spans and retry counter.
func (s WorkflowState) Progress() observability.Progress {
	return observability.Progress{
		Stage:      s.Stage.String(),
		RetryCount: s.RetryCount,
		MaxRetries: s.MaxRetries,
		Errors:     len(s.Errors),
	}
}

// LastError returns the most recent error record.
func (s WorkflowState) LastError() (ErrorRecord, bool) {
	if len(s.Errors) == 0 {
		return ErrorRecord{}, false
	}
	return s.Errors[len(s.Errors)-1], true
}

// HasInvalidQuery reports whether any generated query failed validation.
func (s WorkflowState) HasInvalidQuery() bool {
	return slices.ContainsFunc(s.GeneratedQueries, func(q GeneratedQuery) bool { return !q.Valid })
}

// ValidQueries returns the generated queries that passed validation, in order.
func (s WorkflowState) ValidQueries() []GeneratedQuery {
	var out []GeneratedQuery
	for _, q := range s.GeneratedQueries {
		if q.Valid {
			out = append(out, q)
		}
	}
	return out
}

// Datasource looks up a catalog entry by exact name.
func (s WorkflowState) Datasource(name string) (Datasource, bool) {
	for _, ds := range s.Datasources {
		if ds.Name == name {
			return ds, true
		}
	}
	return Datasource{}, false
}
