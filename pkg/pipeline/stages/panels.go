package stages

import (
	"fmt"

	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Anomaly is a correction applied to a synthesized panel list.
type Anomaly struct {
	Kind   string
	Detail string
}

// Anomaly kinds.
const (
	AnomalyDuplicateTitle    = "duplicate_title"
	AnomalyPanelCount        = "panel_count"
	AnomalyUnknownDatasource = "unknown_datasource"
)

// CorrectPanels repairs a synthesized panel list against the queries it was
// built from. It removes panels whose title repeats an earlier one, trims
// the list to want panels, then drops panels whose datasource UID is not in
// datasources. Untitled panels are never treated as duplicates. panels is
// not modified.
func CorrectPanels(panels []state.Panel, want int, datasources map[string]bool) ([]state.Panel, []Anomaly) {
	var anomalies []Anomaly

	seen := make(map[string]bool, len(panels))
	unique := make([]state.Panel, 0, len(panels))
	for _, p := range panels {
		if p.Title != "" && seen[p.Title] {
			anomalies = append(anomalies, Anomaly{
				Kind:   AnomalyDuplicateTitle,
				Detail: fmt.Sprintf("removed duplicate panel %q", p.Title),
			})
			continue
		}
		seen[p.Title] = true
		unique = append(unique, p)
	}

	if len(panels) != want {
		anomalies = append(anomalies, Anomaly{
			Kind:   AnomalyPanelCount,
			Detail: fmt.Sprintf("expected %d panels, got %d", want, len(panels)),
		})
	}
	if len(unique) > want {
		unique = unique[:want]
	}

	kept := make([]state.Panel, 0, len(unique))
	for _, p := range unique {
		uid := p.DatasourceUID()
		if !datasources[uid] {
			anomalies = append(anomalies, Anomaly{
				Kind:   AnomalyUnknownDatasource,
				Detail: fmt.Sprintf("removed panel %q: datasource %q is not among the queries", p.Title, uid),
			})
			continue
		}
		kept = append(kept, p)
	}
	return kept, anomalies
}
