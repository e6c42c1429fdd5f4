package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, mr *miniredis.Miniredis, opts ...checkpoint.RedisOption) *checkpoint.RedisStore {
	t.Helper()
	store := checkpoint.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	writer := newRedisStore(t, mr)
	require.NoError(t, writer.Save("run-1", "generate_query", []byte(`{"stage":"QUERY_GENERATED"}`)))

	reader := newRedisStore(t, mr)
	data, err := reader.Load("run-1", "generate_query")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"QUERY_GENERATED"}`, string(data))
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr, checkpoint.WithKeyPrefix("dashflow"))

	require.NoError(t, store.Save("run-9", "initialize", []byte("{}")))

	assert.True(t, mr.Exists("dashflow:run-9:data"))
	assert.True(t, mr.Exists("dashflow:run-9:order"))
	assert.False(t, mr.Exists("flowgraph:checkpoint:run-9:data"))
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr, checkpoint.WithTTL(time.Hour))

	require.NoError(t, store.Save("run-1", "initialize", []byte("{}")))
	assert.Equal(t, time.Hour, mr.TTL("flowgraph:checkpoint:run-1:data"))

	mr.FastForward(2 * time.Hour)

	infos, err := store.List("run-1")
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = store.Load("run-1", "initialize")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestOpenRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	addr := mr.Addr()
	store, err := checkpoint.OpenRedisStore(context.Background(), addr)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save("run-1", "initialize", []byte("{}")))

	mr.Close()
	_, err = checkpoint.OpenRedisStore(context.Background(), addr)
	assert.Error(t, err)
}
