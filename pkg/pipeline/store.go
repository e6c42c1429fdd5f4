package pipeline

import (
	"context"
	"fmt"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/dashflow/pkg/flowgraph/registry"
)

// StoreOpener opens a checkpoint store from settings.
type StoreOpener func(ctx context.Context, s Settings) (checkpoint.Store, error)

// Backends holds the checkpoint store openers selectable by
// Settings.CheckpointBackend. Register adds custom backends.
var Backends = registry.New[StoreOpener]("checkpoint backend").
	Register(BackendMemory, func(context.Context, Settings) (checkpoint.Store, error) {
		return checkpoint.NewMemoryStore(), nil
	}).
	Register(BackendSQLite, func(_ context.Context, s Settings) (checkpoint.Store, error) {
		return checkpoint.NewSQLiteStore(s.CheckpointPath)
	}).
	Register(BackendRedis, func(ctx context.Context, s Settings) (checkpoint.Store, error) {
		opts := []checkpoint.RedisOption{checkpoint.WithKeyPrefix("dashflow:checkpoint")}
		if s.CheckpointTTL > 0 {
			opts = append(opts, checkpoint.WithTTL(s.CheckpointTTL))
		}
		return checkpoint.OpenRedisStore(ctx, s.RedisAddr, opts...)
	}).
	Register(BackendNone, func(context.Context, Settings) (checkpoint.Store, error) {
		return nil, nil
	})

// OpenCheckpointStore opens the backend named by s.CheckpointBackend.
// The "none" backend returns a nil store and no error.
func OpenCheckpointStore(ctx context.Context, s Settings) (checkpoint.Store, error) {
	open, err := Backends.Lookup(s.CheckpointBackend)
	if err != nil {
		return nil, err
	}
	store, err := open(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("open %s checkpoint store: %w", s.CheckpointBackend, err)
	}
	return store, nil
}
