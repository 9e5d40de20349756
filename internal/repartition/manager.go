package repartition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ringroute/internal/model"
	"ringroute/internal/router"
	"ringroute/internal/storage"
)

// Store is the persistence surface a repartition transaction needs.
type Store interface {
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	ReplaceCheckpoint(ctx context.Context, checkpoint model.Checkpoint, expectedStep int64) error
	AppendRepartitionRecord(ctx context.Context, record model.RepartitionRecord) error
}

// Manager runs load, validate, mutate, swap transactions against a store.
// One Manager serializes its own transactions; the store's step guard
// rejects a swap if the checkpoint moved underneath it.
type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Manager) ApplySplit(ctx context.Context, checkpointID string, parent int, hotAddresses []int) (model.Checkpoint, model.RepartitionRecord, error) {
	return m.apply(ctx, checkpointID, model.RepartitionOpSplit, func(c model.Checkpoint) (model.Checkpoint, model.RepartitionRecord, error) {
		return splitWithRecord(c, SplitRequest{Parent: parent, HotAddresses: hotAddresses, Step: c.Step})
	})
}

// ApplyMeta resolves a meta record against the current router map and splits.
func (m *Manager) ApplyMeta(ctx context.Context, checkpointID string, meta model.RepartitionMeta) (model.Checkpoint, model.RepartitionRecord, error) {
	return m.apply(ctx, checkpointID, model.RepartitionOpSplit, func(c model.Checkpoint) (model.Checkpoint, model.RepartitionRecord, error) {
		req, err := FromMeta(c, meta, c.Step)
		if err != nil {
			return model.Checkpoint{}, model.RepartitionRecord{}, err
		}
		return splitWithRecord(c, req)
	})
}

func (m *Manager) ApplyMerge(ctx context.Context, checkpointID string, victim, target int) (model.Checkpoint, model.RepartitionRecord, error) {
	return m.apply(ctx, checkpointID, model.RepartitionOpMerge, func(c model.Checkpoint) (model.Checkpoint, model.RepartitionRecord, error) {
		next, err := Merge(c, MergeRequest{Victim: victim, Target: target})
		if err != nil {
			return model.Checkpoint{}, model.RepartitionRecord{}, err
		}
		return next, model.RepartitionRecord{
			Operation:       model.RepartitionOpMerge,
			Victim:          victim,
			Target:          target,
			Addresses:       router.OwnedAddresses(c.RouterMap, victim),
			NumShardsBefore: c.NumShards,
			NumShardsAfter:  next.NumShards,
		}, nil
	})
}

func splitWithRecord(c model.Checkpoint, req SplitRequest) (model.Checkpoint, model.RepartitionRecord, error) {
	next, err := Split(c, req)
	if err != nil {
		return model.Checkpoint{}, model.RepartitionRecord{}, err
	}
	return next, model.RepartitionRecord{
		Operation:       model.RepartitionOpSplit,
		Parent:          req.Parent,
		NewShard:        c.NumShards,
		Addresses:       append([]int(nil), req.HotAddresses...),
		NumShardsBefore: c.NumShards,
		NumShardsAfter:  next.NumShards,
	}, nil
}

func (m *Manager) apply(
	ctx context.Context,
	checkpointID string,
	op string,
	edit func(model.Checkpoint) (model.Checkpoint, model.RepartitionRecord, error),
) (model.Checkpoint, model.RepartitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.Checkpoint{}, model.RepartitionRecord{}, err
	}
	current, ok, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return model.Checkpoint{}, model.RepartitionRecord{}, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}
	if !ok {
		return model.Checkpoint{}, model.RepartitionRecord{}, fmt.Errorf("%w: checkpoint %s", storage.ErrNotFound, checkpointID)
	}

	next, record, err := edit(current)
	if err != nil {
		m.logger.Warn("repartition rejected",
			zap.String("checkpoint", checkpointID),
			zap.String("op", op),
			zap.Error(err),
		)
		return model.Checkpoint{}, model.RepartitionRecord{}, err
	}

	if err := m.store.ReplaceCheckpoint(ctx, next, current.Step); err != nil {
		return model.Checkpoint{}, model.RepartitionRecord{}, fmt.Errorf("commit %s on %s: %w", op, checkpointID, err)
	}

	record.VersionedRecord = model.VersionedRecord{
		SchemaVersion: storage.CurrentSchemaVersion,
		CodecVersion:  storage.CurrentCodecVersion,
	}
	record.CheckpointID = checkpointID
	record.Step = current.Step
	record.CommittedAtUTC = m.now().UTC().Format(time.RFC3339Nano)
	if err := m.store.AppendRepartitionRecord(ctx, record); err != nil {
		return next, record, fmt.Errorf("%s committed on %s but log append failed: %w", op, checkpointID, err)
	}

	m.logger.Info("repartition committed",
		zap.String("checkpoint", checkpointID),
		zap.String("op", op),
		zap.Int("shards_before", record.NumShardsBefore),
		zap.Int("shards_after", record.NumShardsAfter),
		zap.Ints("addresses", record.Addresses),
	)
	return next, record, nil
}
