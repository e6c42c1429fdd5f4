package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints in Redis so several processes can resume
// each other's runs.
//
// Each run uses four keys under the prefix: a hash of node data, a sorted
// set ordering nodes by sequence, a hash of save timestamps and a sequence
// counter. All four share the optional TTL.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace. Default: "flowgraph:checkpoint".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL expires a run's checkpoints after d of inactivity. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = d
	}
}

// WithOperationTimeout bounds each Redis round trip. Default: 5s.
func WithOperationTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRedisStore creates a store on an existing client.
// The store takes ownership of the client and closes it on Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		prefix:  "flowgraph:checkpoint",
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedisStore connects to addr and verifies the connection with PING.
func OpenRedisStore(ctx context.Context, addr string, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) dataKey(runID string) string    { return s.prefix + ":" + runID + ":data" }
func (s *RedisStore) orderKey(runID string) string   { return s.prefix + ":" + runID + ":order" }
func (s *RedisStore) savedKey(runID string) string   { return s.prefix + ":" + runID + ":saved" }
func (s *RedisStore) counterKey(runID string) string { return s.prefix + ":" + runID + ":seq" }

func (s *RedisStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save implements Store.
func (s *RedisStore) Save(runID, nodeID string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	seq, err := s.client.Incr(ctx, s.counterKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("save checkpoint: next sequence: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(runID), nodeID, data)
		pipe.ZAdd(ctx, s.orderKey(runID), redis.Z{Score: float64(seq), Member: nodeID})
		pipe.HSet(ctx, s.savedKey(runID), nodeID, time.Now().UTC().Format(time.RFC3339Nano))
		if s.ttl > 0 {
			for _, key := range s.runKeys(runID) {
				pipe.Expire(ctx, key, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(runID, nodeID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	data, err := s.client.HGet(ctx, s.dataKey(runID), nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *RedisStore) List(runID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	members, err := s.client.ZRangeWithScores(ctx, s.orderKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	nodes := make([]string, len(members))
	for i, m := range members {
		nodes[i] = fmt.Sprint(m.Member)
	}

	var savedCmd *redis.SliceCmd
	lenCmds := make([]*redis.IntCmd, len(nodes))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		savedCmd = pipe.HMGet(ctx, s.savedKey(runID), nodes...)
		for i, node := range nodes {
			lenCmds[i] = pipe.HStrLen(ctx, s.dataKey(runID), node)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	saved := savedCmd.Val()
	infos := make([]Info, 0, len(nodes))
	for i, node := range nodes {
		info := Info{
			RunID:    runID,
			NodeID:   node,
			Sequence: int(members[i].Score),
			Size:     lenCmds[i].Val(),
		}
		if i < len(saved) {
			if ts, ok := saved[i].(string); ok {
				info.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(runID, nodeID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey(runID), nodeID)
		pipe.ZRem(ctx, s.orderKey(runID), nodeID)
		pipe.HDel(ctx, s.savedKey(runID), nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteRun implements Store.
func (s *RedisStore) DeleteRun(runID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if err := s.client.Del(ctx, s.runKeys(runID)...).Err(); err != nil {
		return fmt.Errorf("delete run checkpoints: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisStore) runKeys(runID string) []string {
	return []string{s.dataKey(runID), s.orderKey(runID), s.savedKey(runID), s.counterKey(runID)}
}
