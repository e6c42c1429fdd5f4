package state

import (
	"slices"
	"time"
)

// ListUpdate is the change a stage makes to an append-only list. Items are
// appended unless Replace is set, in which case they become the whole list.
type ListUpdate[T any] struct {
	Items   []T
	Replace bool
}

// Append returns a ListUpdate that appends items.
func Append[T any](items ...T) ListUpdate[T] {
	return ListUpdate[T]{Items: items}
}

// Replace returns a ListUpdate that replaces the list with items. With no
// items it clears the list.
func Replace[T any](items ...T) ListUpdate[T] {
	return ListUpdate[T]{Items: items, Replace: true}
}

// Apply returns the list after the update. existing is never modified.
func (l ListUpdate[T]) Apply(existing []T) []T {
	if l.Replace {
		return slices.Clone(l.Items)
	}
	if len(l.Items) == 0 {
		return existing
	}
	return append(slices.Clone(existing), l.Items...)
}

// Then composes l with a later update next.
func (l ListUpdate[T]) Then(next ListUpdate[T]) ListUpdate[T] {
	if next.Replace {
		return ListUpdate[T]{Items: slices.Clone(next.Items), Replace: true}
	}
	return ListUpdate[T]{Items: concat(l.Items, next.Items), Replace: l.Replace}
}

// Update is the partial state a stage handler returns.
//
// Pointer fields and Queries replace the current value when set. The two
// ListUpdate fields append or replace. Errors and Log always append.
type Update struct {
	Stage      *Stage
	Queries    []QueryRequest
	RetryCount *int
	MaxRetries *int
	Dashboard  *DashboardSpec
	Deployment *DeploymentResult
	StartedAt  *time.Time
	EndedAt    *time.Time

	MetricsContexts  ListUpdate[MetricsContext]
	GeneratedQueries ListUpdate[GeneratedQuery]

	Errors []ErrorRecord
	Log    []LogEntry

	// folded counts the handler updates composed into this one.
	folded int
}

// Then composes u with a later update next so that
// Merge(Merge(s, u), next) equals Merge(s, u.Then(next)).
func (u Update) Then(next Update) Update {
	out := u
	if next.Stage != nil {
		out.Stage = next.Stage
	}
	if next.Queries != nil {
		out.Queries = next.Queries
	}
	if next.RetryCount != nil {
		out.RetryCount = next.RetryCount
	}
	if next.MaxRetries != nil {
		out.MaxRetries = next.MaxRetries
	}
	if next.Dashboard != nil {
		out.Dashboard = next.Dashboard
	}
	if next.Deployment != nil {
		out.Deployment = next.Deployment
	}
	if next.StartedAt != nil {
		out.StartedAt = next.StartedAt
	}
	if next.EndedAt != nil {
		out.EndedAt = next.EndedAt
	}
	out.MetricsContexts = u.MetricsContexts.Then(next.MetricsContexts)
	out.GeneratedQueries = u.GeneratedQueries.Then(next.GeneratedQueries)
	out.Errors = concat(u.Errors, next.Errors)
	out.Log = concat(u.Log, next.Log)
	out.folded = u.count() + next.count()
	return out
}

func (u Update) count() int {
	return max(u.folded, 1)
}

// Merge folds u into s and returns the new state. s is not modified.
// StageIndex advances once per handler update folded in.
func Merge(s WorkflowState, u Update) WorkflowState {
	out := s
	if u.Stage != nil {
		out.Stage = *u.Stage
	}
	if u.Queries != nil {
		out.Queries = slices.Clone(u.Queries)
	}
	if u.RetryCount != nil {
		out.RetryCount = *u.RetryCount
	}
	if u.MaxRetries != nil {
		out.MaxRetries = *u.MaxRetries
	}
	if u.Dashboard != nil {
		d := *u.Dashboard
		d.Panels = slices.Clone(d.Panels)
		out.Dashboard = &d
	}
	if u.Deployment != nil {
		d := *u.Deployment
		out.Deployment = &d
	}
	if u.StartedAt != nil {
		out.StartedAt = *u.StartedAt
	}
	if u.EndedAt != nil {
		out.EndedAt = *u.EndedAt
	}
	out.MetricsContexts = u.MetricsContexts.Apply(s.MetricsContexts)
	out.GeneratedQueries = u.GeneratedQueries.Apply(s.GeneratedQueries)
	out.Errors = appendAll(s.Errors, u.Errors)
	out.ExecutionLog = appendAll(s.ExecutionLog, u.Log)
	out.StageIndex = s.StageIndex + u.count()
	return out
}

// StagePtr returns a pointer to st for use in an Update.
func StagePtr(st Stage) *Stage { return &st }

// IntPtr returns a pointer to n for use in an Update.
func IntPtr(n int) *int { return &n }

// TimePtr returns a pointer to t for use in an Update.
func TimePtr(t time.Time) *time.Time { return &t }

func appendAll[T any](existing, items []T) []T {
	if len(items) == 0 {
		return existing
	}
	return append(slices.Clone(existing), items...)
}

func concat[T any](a, b []T) []T {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
