package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// DefaultTitle is used when the model returns a dashboard without a title.
const DefaultTitle = "Generated Dashboard"

// Panel grid layout: two panels per row.
const (
	panelWidth   = 12
	panelHeight  = 8
	panelsPerRow = 2
)

var errNoQueries = errors.New("no queries to build a dashboard from")

// SynthesizeDashboard asks the model to lay out one panel per query, then
// normalizes the layout and datasource references of what came back.
func (p *Provider) SynthesizeDashboard(ctx context.Context, queries []provider.QuerySpec) (provider.Dashboard, error) {
	if len(queries) == 0 {
		return provider.Dashboard{}, fmt.Errorf("synthesize dashboard: %w", errNoQueries)
	}

	uid := dashboardUID(queries)
	vars := map[string]any{
		"queries": queries,
		"uid":     uid,
	}
	dash, err := complete[provider.Dashboard](ctx, p, "synthesize dashboard", dashboardPrompt, vars, nil)
	if err != nil {
		return provider.Dashboard{}, err
	}

	normalize(&dash, queries, uid)
	return dash, nil
}

// normalize fills in what dashboards need and models tend to get wrong:
// a title, a UID, panel IDs, target refIds, grid positions and typed
// datasource references.
func normalize(d *provider.Dashboard, queries []provider.QuerySpec, uid string) {
	if strings.TrimSpace(d.Title) == "" {
		d.Title = DefaultTitle
	}
	if d.UID == "" {
		d.UID = uid
	}

	kinds := make(map[string]state.QueryKind, len(queries))
	for _, q := range queries {
		kinds[q.DatasourceID] = q.Kind
	}

	for i := range d.Panels {
		panel := &d.Panels[i]
		if panel.ID == 0 {
			panel.ID = i + 1
		}
		panel.GridPos = &state.GridPos{
			X: (i % panelsPerRow) * panelWidth,
			Y: (i / panelsPerRow) * panelHeight,
			W: panelWidth,
			H: panelHeight,
		}
		fillType(panel.Datasource, kinds)

		kind := kinds[panel.DatasourceUID()]
		for j := range panel.Targets {
			t := &panel.Targets[j]
			if t.RefID == "" {
				t.RefID = refID(j)
			}
			fillType(t.Datasource, kinds)
			if kind == state.KindRelational && t.RawSQL == "" && t.Expr != "" {
				t.RawSQL, t.Expr = t.Expr, ""
				t.RawQuery = true
			}
			if kind == state.KindRelational && t.Format == "" {
				t.Format = "table"
			}
		}
	}
}

func fillType(ds *state.PanelDatasource, kinds map[string]state.QueryKind) {
	if ds == nil || ds.Type != "" {
		return
	}
	if kind, ok := kinds[ds.UID]; ok && kind != state.KindUnknown {
		ds.Type = string(kind)
	}
}

// refID returns A..Z, then AA, AB and so on.
func refID(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return refID(i/26-1) + refID(i%26)
}

// dashboardUID derives a stable UID from the query set, so regenerating a
// dashboard for the same queries overwrites the earlier one.
func dashboardUID(queries []provider.QuerySpec) string {
	h := fnv.New64a()
	data, _ := json.Marshal(queries)
	h.Write(data)
	return fmt.Sprintf("auto-dash-%x", h.Sum64())
}
