package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dashflow/pkg/pipeline"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`
max_retries: 2
queries:
  - query: p95 latency
    datasource: Prometheus
  - query: orders per day
    datasource: Shop DB
`))
	require.NoError(t, err)
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 2, req.Retries(5))
	assert.Equal(t, []state.QueryRequest{
		{Text: "p95 latency", DatasourceName: "Prometheus"},
		{Text: "orders per day", DatasourceName: "Shop DB"},
	}, req.Queries)
}

func TestParseRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"malformed", "queries: [", "parse request"},
		{"empty", "max_retries: 1\n", "no queries"},
		{"missing datasource", "queries:\n  - query: cpu\n", "query 0: DatasourceName"},
		{"negative retries", "max_retries: -1\nqueries:\n  - query: cpu\n    datasource: Prometheus\n", "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequest_Retries(t *testing.T) {
	unset, err := ParseRequest([]byte("queries:\n  - query: cpu\n    datasource: Prometheus\n"))
	require.NoError(t, err)
	assert.Nil(t, unset.MaxRetries)
	assert.Equal(t, 4, unset.Retries(4))

	zero, err := ParseRequest([]byte("max_retries: 0\nqueries:\n  - query: cpu\n    datasource: Prometheus\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Retries(4), "an explicit zero is kept")
}

func TestParseRequest_NoQueriesIsTyped(t *testing.T) {
	_, err := ParseRequest([]byte("queries: []\n"))
	assert.ErrorIs(t, err, pipeline.ErrNoQueries)
}

func TestLoadRequest_MissingFile(t *testing.T) {
	_, err := LoadRequest(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read request")
}
