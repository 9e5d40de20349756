package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ringroute/internal/model"
)

var ErrShardNotMaterialized = errors.New("shard not materialized")

// ShardSource loads one shard's parameter set on demand.
type ShardSource interface {
	LoadShard(ctx context.Context, id int) (model.ShardRecord, error)
}

// Materializer is an arena of shard parameter sets indexed by shard id. Only
// ids passed to Acquire are ever loaded.
type Materializer struct {
	source ShardSource

	mu    sync.RWMutex
	arena []*model.ShardRecord
}

func NewMaterializer(source ShardSource, numShards int) *Materializer {
	return &Materializer{
		source: source,
		arena:  make([]*model.ShardRecord, numShards),
	}
}

// Acquire loads every id in ids that is not yet resident. ids may repeat.
func (m *Materializer) Acquire(ctx context.Context, ids []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if id < 0 || id >= len(m.arena) {
			return fmt.Errorf("%w: %d (shards=%d)", ErrUnknownShard, id, len(m.arena))
		}
		if m.arena[id] != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		shard, err := m.source.LoadShard(ctx, id)
		if err != nil {
			return fmt.Errorf("load shard %d: %w", id, err)
		}
		if shard.ID != id {
			return fmt.Errorf("load shard %d: source returned shard %d", id, shard.ID)
		}
		m.arena[id] = &shard
	}
	return nil
}

// Get returns a resident shard. The record must be treated as read-only.
func (m *Materializer) Get(id int) (*model.ShardRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 0 || id >= len(m.arena) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	shard := m.arena[id]
	if shard == nil {
		return nil, fmt.Errorf("%w: %d", ErrShardNotMaterialized, id)
	}
	return shard, nil
}

// Loaded lists resident shard ids in ascending order.
func (m *Materializer) Loaded() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	for id, shard := range m.arena {
		if shard != nil {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}
