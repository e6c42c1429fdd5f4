package grafana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/randalmurphal/dashflow/pkg/flowgraph/errors"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

func fastRetry() Option {
	return WithRetry(ferrors.NewRetryConfig(
		ferrors.WithMaxAttempts(3),
		ferrors.WithInitialBackoff(time.Millisecond),
		ferrors.WithJitter(0),
	))
}

func validDocument() state.Document {
	return state.BuildDocument(state.DashboardSpec{
		Title: "Ops overview",
		UID:   "ops-overview",
		Panels: []state.Panel{{
			Type:       "timeseries",
			Title:      "CPU",
			Datasource: &state.PanelDatasource{Type: "prometheus", UID: "prom-1"},
			Targets:    []state.Target{{RefID: "A", Expr: "rate(node_cpu_seconds_total[5m])"}},
			GridPos:    &state.GridPos{X: 0, Y: 0, W: 12, H: 8},
		}},
	})
}

func TestFetchDatasources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/datasources", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[
			{"id":1,"uid":"prom-1","name":"prometheus","type":"prometheus","url":"http://prometheus:9090","access":"proxy"},
			{"id":2,"uid":"pg-1","name":"postgres","type":"grafana-postgresql-datasource","url":"db:5432"}
		]`))
	}))
	defer srv.Close()

	got, err := New(srv.URL, "secret").FetchDatasources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []state.Datasource{
		{Name: "prometheus", ID: "prom-1", Type: "prometheus", URL: "http://prometheus:9090"},
		{Name: "postgres", ID: "pg-1", Type: "grafana-postgresql-datasource", URL: "db:5432"},
	}, got)
}

func TestDeployDashboard(t *testing.T) {
	var received saveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/dashboards/db", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"id":7,"uid":"ops-overview","url":"/d/ops-overview/ops-overview","status":"success","version":3,"slug":"ops-overview"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL+"/", "key", WithFolderUID("generated")).DeployDashboard(context.Background(), validDocument())
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/d/ops-overview/ops-overview", res.URL)
	assert.Equal(t, "ops-overview", res.UID)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 3, res.Version)

	assert.True(t, received.Overwrite)
	assert.Equal(t, "generated", received.FolderUID)
	assert.Equal(t, state.SchemaVersion, received.Dashboard.SchemaVersion)
	require.Len(t, received.Dashboard.Panels, 1)
	assert.Equal(t, "prom-1", received.Dashboard.Panels[0].DatasourceUID())
}

func TestDeployDashboard_KeepsUnmodeledPanelFields(t *testing.T) {
	var panel state.Panel
	require.NoError(t, json.Unmarshal([]byte(`{
		"type":"timeseries","title":"CPU","description":"per-node cpu","interval":"30s",
		"datasource":{"type":"prometheus","uid":"prom-1"},
		"transformations":[{"id":"reduce","options":{}}],
		"targets":[{"refId":"A","expr":"up","instant":true}]
	}`), &panel))

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":1,"uid":"ops","url":"/d/ops","status":"success","version":1}`))
	}))
	defer srv.Close()

	doc := state.BuildDocument(state.DashboardSpec{Title: "Ops", UID: "ops", Panels: []state.Panel{panel}})
	_, err := New(srv.URL, "key").DeployDashboard(context.Background(), doc)
	require.NoError(t, err)

	sent := body["dashboard"].(map[string]any)["panels"].([]any)[0].(map[string]any)
	assert.Equal(t, "per-node cpu", sent["description"])
	assert.Equal(t, "30s", sent["interval"])
	assert.Len(t, sent["transformations"], 1)
	target := sent["targets"].([]any)[0].(map[string]any)
	assert.Equal(t, true, target["instant"])
	assert.Equal(t, "up", target["expr"])
}

func TestDeployDashboard_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"uid":"ops-overview","url":"http://grafana.example/d/ops-overview"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "", fastRetry()).DeployDashboard(context.Background(), validDocument())
	require.NoError(t, err)
	assert.Equal(t, "http://grafana.example/d/ops-overview", res.URL, "absolute URLs are kept")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeployDashboard_PermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid API key"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad", fastRetry()).DeployDashboard(context.Background(), validDocument())
	require.Error(t, err)

	var httpErr *ferrors.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Contains(t, httpErr.Message, "invalid API key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeployDashboard_RejectsInvalidDocument(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	doc := validDocument()
	doc.Title = ""
	_, err := New(srv.URL, "").DeployDashboard(context.Background(), doc)
	require.ErrorIs(t, err, ErrInvalidDocument)
	assert.Zero(t, calls.Load(), "invalid documents are never sent")
}

func TestValidateDocument(t *testing.T) {
	require.NoError(t, ValidateDocument(validDocument()))

	tests := []struct {
		name   string
		mutate func(*state.Document)
		want   string
	}{
		{"no panels", func(d *state.Document) { d.Panels = []state.Panel{} }, "panels"},
		{"panel without type", func(d *state.Document) { d.Panels[0].Type = "" }, "type"},
		{"bad uid", func(d *state.Document) { d.UID = "has spaces" }, "uid"},
		{"empty datasource uid", func(d *state.Document) { d.Panels[0].Datasource.UID = "" }, "uid"},
		{"target without refId", func(d *state.Document) { d.Panels[0].Targets[0].RefID = "" }, "refId"},
		{"grid too wide", func(d *state.Document) { d.Panels[0].GridPos.W = 30 }, "w"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDocument()
			tt.mutate(&doc)
			err := ValidateDocument(doc)
			require.ErrorIs(t, err, ErrInvalidDocument)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, "good").Ping(context.Background()))
	assert.Error(t, New(srv.URL, "bad", fastRetry()).Ping(context.Background()))
}
