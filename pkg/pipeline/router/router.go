// Package router holds the decisions made after each branching stage.
// Routers only read the merged state and return the next node ID.
package router

import (
	"github.com/randalmurphal/dashflow/pkg/flowgraph"
	"github.com/randalmurphal/dashflow/pkg/pipeline/stages"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Func is the router signature.
type Func = flowgraph.RouterFunc[state.WorkflowState]

// onFailure returns a router that goes to the error handler when the stage
// failed and to next otherwise.
func onFailure(next string) Func {
	return func(_ flowgraph.Context, s state.WorkflowState) string {
		if s.Stage == state.StageFailed {
			return stages.ErrorHandler
		}
		return next
	}
}

// AfterExtractIntent routes to metric extraction unless intent extraction failed.
var AfterExtractIntent = onFailure(stages.ExtractMetrics)

// AfterExtractMetrics routes to similarity search unless extraction failed.
var AfterExtractMetrics = onFailure(stages.VectorSearch)

// AfterVectorSearch routes to query generation unless the search failed.
var AfterVectorSearch = onFailure(stages.GenerateQuery)

// AfterGenerateQuery routes to validation unless generation failed.
var AfterGenerateQuery = onFailure(stages.ValidateQuery)

// AfterGenerateDashboard routes to deployment unless generation failed.
var AfterGenerateDashboard = onFailure(stages.DeployDashboard)

// AfterValidateQuery loops back to query generation while retries remain
// and an invalid query exists. Any other failure ends at the error handler.
func AfterValidateQuery(_ flowgraph.Context, s state.WorkflowState) string {
	if s.Stage != state.StageFailed {
		return stages.GenerateDashboard
	}
	if ShouldRetry(s) {
		return stages.GenerateQuery
	}
	return stages.ErrorHandler
}

// ShouldRetry reports whether a failed validation may be retried.
func ShouldRetry(s state.WorkflowState) bool {
	return s.Stage == state.StageFailed && s.RetryCount < s.MaxRetries && s.HasInvalidQuery()
}

// Targets lists the possible destinations of each conditional edge.
var Targets = map[string][]string{
	stages.ExtractIntent:     {stages.ExtractMetrics, stages.ErrorHandler},
	stages.ExtractMetrics:    {stages.VectorSearch, stages.ErrorHandler},
	stages.VectorSearch:      {stages.GenerateQuery, stages.ErrorHandler},
	stages.GenerateQuery:     {stages.ValidateQuery, stages.ErrorHandler},
	stages.ValidateQuery:     {stages.GenerateDashboard, stages.GenerateQuery, stages.ErrorHandler},
	stages.GenerateDashboard: {stages.DeployDashboard, stages.ErrorHandler},
}

// Routes returns the router for each branching stage.
func Routes() map[string]Func {
	return map[string]Func{
		stages.ExtractIntent:     AfterExtractIntent,
		stages.ExtractMetrics:    AfterExtractMetrics,
		stages.VectorSearch:      AfterVectorSearch,
		stages.GenerateQuery:     AfterGenerateQuery,
		stages.ValidateQuery:     AfterValidateQuery,
		stages.GenerateDashboard: AfterGenerateDashboard,
	}
}
