package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ringroute/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]model.Checkpoint
	logs        map[string][]model.RepartitionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[string]model.Checkpoint)
	s.logs = make(map[string][]model.RepartitionRecord)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.checkpoints[checkpoint.ID] = model.CloneCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[id]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return model.CloneCheckpoint(checkpoint), true, nil
}

func (s *MemoryStore) GetCheckpointHeader(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[id]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return HeaderOf(checkpoint), true, nil
}

func (s *MemoryStore) UpdateShardMeta(_ context.Context, id string, step int64, metas []model.ShardMeta, expectedStep int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.checkpoints[id]
	if !ok {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}
	if current.Step != expectedStep {
		return fmt.Errorf("%w: %s at step %d, expected %d", ErrStaleCheckpoint, id, current.Step, expectedStep)
	}
	if err := checkMetaUpdate(current, metas); err != nil {
		return err
	}
	// the stored arena is never handed out, so params can stay shared
	next := current
	next.Step = step
	next.Shards = make([]model.ShardRecord, len(current.Shards))
	for i, shard := range current.Shards {
		shard.Meta = metas[i]
		next.Shards[i] = shard
	}
	s.checkpoints[id] = next
	return nil
}

func (s *MemoryStore) ReplaceCheckpoint(_ context.Context, checkpoint model.Checkpoint, expectedStep int64) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.checkpoints[checkpoint.ID]
	if !ok {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpoint.ID)
	}
	if current.Step != expectedStep {
		return fmt.Errorf("%w: %s at step %d, expected %d", ErrStaleCheckpoint, checkpoint.ID, current.Step, expectedStep)
	}
	s.checkpoints[checkpoint.ID] = model.CloneCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]model.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CheckpointSummary, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		out = append(out, model.Summarize(checkpoint))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LoadShard(_ context.Context, checkpointID string, shardID int) (model.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[checkpointID]
	if !ok {
		return model.ShardRecord{}, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	if shardID < 0 || shardID >= len(checkpoint.Shards) {
		return model.ShardRecord{}, fmt.Errorf("%w: shard %d in checkpoint %s", ErrNotFound, shardID, checkpointID)
	}
	return model.CloneShard(checkpoint.Shards[shardID]), nil
}

func (s *MemoryStore) AppendRepartitionRecord(_ context.Context, record model.RepartitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.logs[record.CheckpointID] = append(s.logs[record.CheckpointID], model.CloneRepartitionRecords([]model.RepartitionRecord{record})...)
	return nil
}

func (s *MemoryStore) GetRepartitionLog(_ context.Context, checkpointID string) ([]model.RepartitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.CloneRepartitionRecords(s.logs[checkpointID]), nil
}
