package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randalmurphal/dashflow/pkg/pipeline"
	"github.com/randalmurphal/dashflow/pkg/pipeline/stages"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle   = lipgloss.NewStyle().Faint(true).Width(12)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("34")).Padding(0, 1)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("160")).Padding(0, 1)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	nodeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(20)
	summaryStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

// renderStep is the progress line printed after each stage.
func renderStep(step pipeline.Step) string {
	s := step.State
	line := fmt.Sprintf("%3d  %s %s", step.Iteration, nodeStyle.Render(step.NodeID), s.Stage)
	if s.Stage == state.StageFailed {
		if last, ok := s.LastError(); ok {
			line += "  " + errStyle.Render(truncate(last.Message, 80))
		}
	}
	if s.RetryCount > 0 && step.NodeID == stages.ValidateQuery {
		line += "  " + warnStyle.Render(fmt.Sprintf("retry %d/%d", s.RetryCount, s.MaxRetries))
	}
	return line
}

// renderSummary is the box printed when a run ends.
func renderSummary(runID string, s state.WorkflowState) string {
	var b strings.Builder

	badge := okStyle.Render("DEPLOYED")
	if !s.Succeeded() {
		badge = failStyle.Render(strings.ToUpper(s.Stage.String()))
	}
	b.WriteString(titleStyle.Render("dashflow run") + "  " + badge + "\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("run", runID)
	row("queries", fmt.Sprintf("%d (%d valid)", len(s.Queries), len(s.ValidQueries())))
	row("stages", fmt.Sprint(s.StageIndex))
	row("retries", fmt.Sprintf("%d/%d", s.RetryCount, s.MaxRetries))
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
		row("duration", s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).String())
	}
	if s.Dashboard != nil {
		row("dashboard", s.Dashboard.Title)
		row("panels", fmt.Sprint(len(s.Dashboard.Panels)))
		if s.Dashboard.DeployedURL != "" {
			row("url", s.Dashboard.DeployedURL)
		}
	}

	for _, q := range s.GeneratedQueries {
		if q.Valid {
			continue
		}
		b.WriteString(warnStyle.Render(fmt.Sprintf("invalid: %s", truncate(q.OriginalText, 60))) + "\n")
		for _, problem := range q.ValidationErrors {
			b.WriteString("  - " + problem + "\n")
		}
	}
	for _, e := range s.Errors {
		b.WriteString(errStyle.Render(fmt.Sprintf("%s [%s] %s", e.Stage, e.Kind, truncate(e.Message, 100))) + "\n")
	}

	return summaryStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderDatasources prints the catalog as aligned columns.
func renderDatasources(datasources []state.Datasource) string {
	nameWidth, typeWidth := len("NAME"), len("TYPE")
	for _, ds := range datasources {
		nameWidth = max(nameWidth, lipgloss.Width(ds.Name))
		typeWidth = max(typeWidth, lipgloss.Width(ds.Type))
	}
	name := lipgloss.NewStyle().Width(nameWidth + 2)
	kind := lipgloss.NewStyle().Width(typeWidth + 2)

	var b strings.Builder
	b.WriteString(titleStyle.Render(name.Render("NAME")+kind.Render("TYPE")+"UID") + "\n")
	for _, ds := range datasources {
		line := name.Render(ds.Name) + kind.Render(ds.Type) + ds.ID
		if state.KindForDatasource(ds.Type) == state.KindUnknown {
			line = labelStyle.UnsetWidth().Render(line + "  (unsupported)")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// renderRuns prints checkpointed runs, newest first.
func renderRuns(runs []pipeline.RunSummary) string {
	idWidth := len("RUN")
	for _, r := range runs {
		idWidth = max(idWidth, lipgloss.Width(r.RunID))
	}
	id := lipgloss.NewStyle().Width(idWidth + 2)
	stage := lipgloss.NewStyle().Width(22)
	retries := lipgloss.NewStyle().Width(9)

	var b strings.Builder
	b.WriteString(titleStyle.Render(id.Render("RUN")+stage.Render("STAGE")+retries.Render("RETRIES")+"UPDATED") + "\n")
	for _, r := range runs {
		st := stage.Render(r.Stage.String())
		switch r.Stage {
		case state.StageDeployed:
		case state.StageFailed:
			st = errStyle.Render(st)
		default:
			st = warnStyle.Render(st)
		}
		b.WriteString(id.Render(r.RunID) + st +
			retries.Render(fmt.Sprintf("%d/%d", r.RetryCount, r.MaxRetries)) +
			r.UpdatedAt.Local().Format(time.DateTime) + "\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
