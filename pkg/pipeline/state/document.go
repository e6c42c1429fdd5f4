package state

import (
	"encoding/json"
	"reflect"
	"slices"
	"strings"
)

// SchemaVersion is the dashboard schema version written on deploy.
const SchemaVersion = 36

// PanelDatasource references the datasource a panel queries.
type PanelDatasource struct {
	Type string `json:"type,omitempty"`
	UID  string `json:"uid"`
}

// UnmarshalJSON accepts either an object or a bare UID string.
func (d *PanelDatasource) UnmarshalJSON(data []byte) error {
	var uid string
	if err := json.Unmarshal(data, &uid); err == nil {
		*d = PanelDatasource{UID: uid}
		return nil
	}
	type plain PanelDatasource
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = PanelDatasource(p)
	return nil
}

// Target is one query of a panel.
type Target struct {
	RefID        string           `json:"refId"`
	Expr         string           `json:"expr,omitempty"`
	RawSQL       string           `json:"rawSql,omitempty"`
	RawQuery     bool             `json:"rawQuery,omitempty"`
	Format       string           `json:"format,omitempty"`
	LegendFormat string           `json:"legendFormat,omitempty"`
	Datasource   *PanelDatasource `json:"datasource,omitempty"`

	// Extra keeps target keys not modeled above, such as instant or
	// interval, so they are written back unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var targetKeys = jsonKeys(reflect.TypeFor[Target]())

func (t *Target) UnmarshalJSON(data []byte) error {
	type plain Target
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	extra, err := splitExtra(data, targetKeys)
	if err != nil {
		return err
	}
	v.Extra = extra
	*t = Target(v)
	return nil
}

func (t Target) MarshalJSON() ([]byte, error) {
	type plain Target
	data, err := json.Marshal(plain(t))
	if err != nil {
		return nil, err
	}
	return joinExtra(data, t.Extra)
}

// GridPos places a panel on the dashboard grid.
type GridPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Panel is one dashboard panel.
type Panel struct {
	ID          int              `json:"id,omitempty"`
	Type        string           `json:"type"`
	Title       string           `json:"title"`
	Datasource  *PanelDatasource `json:"datasource,omitempty"`
	Targets     []Target         `json:"targets,omitempty"`
	GridPos     *GridPos         `json:"gridPos,omitempty"`
	Options     map[string]any   `json:"options,omitempty"`
	FieldConfig map[string]any   `json:"fieldConfig,omitempty"`

	// Extra keeps panel keys not modeled above (description, interval,
	// transformations, nested row panels) so they reach the deployed
	// document unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var panelKeys = jsonKeys(reflect.TypeFor[Panel]())

func (p *Panel) UnmarshalJSON(data []byte) error {
	type plain Panel
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	extra, err := splitExtra(data, panelKeys)
	if err != nil {
		return err
	}
	v.Extra = extra
	*p = Panel(v)
	return nil
}

func (p Panel) MarshalJSON() ([]byte, error) {
	type plain Panel
	data, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	return joinExtra(data, p.Extra)
}

// DatasourceUID returns the UID the panel queries, falling back to the
// first target that names one.
func (p Panel) DatasourceUID() string {
	if p.Datasource != nil && p.Datasource.UID != "" {
		return p.Datasource.UID
	}
	for _, t := range p.Targets {
		if t.Datasource != nil && t.Datasource.UID != "" {
			return t.Datasource.UID
		}
	}
	return ""
}

// Document is the dashboard body sent to the dashboard backend.
type Document struct {
	Title         string  `json:"title"`
	UID           string  `json:"uid,omitempty"`
	Panels        []Panel `json:"panels"`
	SchemaVersion int     `json:"schemaVersion"`
}

// BuildDocument reconstructs the deployable document from a spec.
func BuildDocument(spec DashboardSpec) Document {
	panels := slices.Clone(spec.Panels)
	if panels == nil {
		panels = []Panel{}
	}
	return Document{
		Title:         spec.Title,
		UID:           spec.UID,
		Panels:        panels,
		SchemaVersion: SchemaVersion,
	}
}

// jsonKeys lists the object keys a struct type encodes.
func jsonKeys(t reflect.Type) []string {
	keys := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		keys = append(keys, name)
	}
	return keys
}

// splitExtra returns the keys of the object in data that are not in known,
// or nil when there are none.
func splitExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// joinExtra adds extra keys to an encoded object. Typed fields win.
func joinExtra(data []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return data, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return json.Marshal(all)
}
