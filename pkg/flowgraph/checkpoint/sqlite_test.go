package checkpoint_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
)

func TestSQLiteStore_ResumeAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	first, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Save("run-1", "initialize", []byte(`{"stage":"initialized"}`)))
	require.NoError(t, first.Save("run-1", "extract_intent", []byte(`{"stage":"intent_extracted"}`)))
	require.NoError(t, first.Close())

	second, err := checkpoint.NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	data, err := second.Load("run-1", "extract_intent")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"intent_extracted"}`, string(data))

	infos, err := second.List("run-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "extract_intent", infos[1].NodeID)
	assert.False(t, infos[1].Timestamp.IsZero())
	assert.Equal(t, int64(len(`{"stage":"intent_extracted"}`)), infos[1].Size)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := checkpoint.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
	_, err = store.Runs()
	assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
}

func TestSQLiteStore_ConcurrentRuns(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	nodes := []string{"initialize", "extract_intent", "extract_metrics", "vector_search"}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for _, node := range nodes {
				assert.NoError(t, store.Save(runID, node, []byte(node)))
				_, err := store.Load(runID, node)
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("run-%02d", i))
	}
	wg.Wait()

	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 20)
	for _, r := range runs {
		assert.Equal(t, len(nodes), r.Checkpoints, r.RunID)
		assert.Equal(t, "vector_search", r.LastNodeID, r.RunID)
	}
}

func TestSQLiteStore_RetryLoopMovesNodeToEnd(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	// A failed validation sends the run back to generate_query, which
	// saves over its earlier checkpoint.
	for _, node := range []string{"generate_query", "validate_query", "generate_query"} {
		require.NoError(t, store.Save("run-1", node, []byte(node)))
	}

	infos, err := store.List("run-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "validate_query", infos[0].NodeID)
	assert.Equal(t, 2, infos[0].Sequence)
	assert.Equal(t, "generate_query", infos[1].NodeID)
	assert.Equal(t, 3, infos[1].Sequence)

	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "generate_query", runs[0].LastNodeID)
}
