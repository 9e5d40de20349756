package storage

import (
	"context"
	"errors"

	"ringroute/internal/model"
	"ringroute/internal/router"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStaleCheckpoint = errors.New("checkpoint step changed since it was loaded")
)

const DefaultStoreKind = "memory"

// Store persists checkpoints, their shard arenas and the repartition log.
// ReplaceCheckpoint and UpdateShardMeta are the only ways to change an
// existing checkpoint; both are guarded by the persisted step.
//
// GetCheckpointHeader returns the checkpoint with every shard's id and
// metadata but no parameters; parameters are read one shard at a time with
// LoadShard. UpdateShardMeta sets the step counter and shard metadata
// without rewriting parameters.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	GetCheckpointHeader(ctx context.Context, id string) (model.Checkpoint, bool, error)
	ReplaceCheckpoint(ctx context.Context, checkpoint model.Checkpoint, expectedStep int64) error
	UpdateShardMeta(ctx context.Context, id string, step int64, metas []model.ShardMeta, expectedStep int64) error
	DeleteCheckpoint(ctx context.Context, id string) error
	ListCheckpoints(ctx context.Context) ([]model.CheckpointSummary, error)
	LoadShard(ctx context.Context, checkpointID string, shardID int) (model.ShardRecord, error)
	AppendRepartitionRecord(ctx context.Context, record model.RepartitionRecord) error
	GetRepartitionLog(ctx context.Context, checkpointID string) ([]model.RepartitionRecord, error)
}

type shardSource struct {
	store        Store
	checkpointID string
}

// ShardSourceFor binds a store to one checkpoint so the router can load its
// shards lazily.
func ShardSourceFor(store Store, checkpointID string) router.ShardSource {
	return shardSource{store: store, checkpointID: checkpointID}
}

func (s shardSource) LoadShard(ctx context.Context, id int) (model.ShardRecord, error) {
	return s.store.LoadShard(ctx, s.checkpointID, id)
}
