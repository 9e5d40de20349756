package engine

import (
	"math/rand"

	"ringroute/internal/config"
	"ringroute/internal/model"
	"ringroute/internal/router"
	"ringroute/internal/storage"
	"ringroute/internal/update"
)

// Bootstrap builds a fresh checkpoint from cfg: seeded shard parameters and
// the default modulo router map.
func Bootstrap(cfg *config.Config, id string) (model.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return model.Checkpoint{}, err
	}
	dims := update.Dims{InputDim: cfg.Ring.InputDim, SlotDim: cfg.Ring.SlotDim, Classes: cfg.Ring.Classes}
	rng := rand.New(rand.NewSource(cfg.Engine.Seed))

	shards := make([]model.ShardRecord, cfg.Router.InitialShards)
	for i := range shards {
		shards[i] = model.ShardRecord{
			ID:     i,
			Params: update.InitParams(rng, dims),
		}
	}
	return model.Checkpoint{
		VersionedRecord: storage.Versioned(),
		ID:              id,
		WorkloadID:      cfg.WorkloadID(),
		Ring: model.RingParams{
			Length:   cfg.Ring.Length,
			SlotDim:  cfg.Ring.SlotDim,
			InputDim: cfg.Ring.InputDim,
			Classes:  cfg.Ring.Classes,
			Window:   cfg.Kernel.Window,
		},
		Scalars: model.Scalars{
			UpdateScale: cfg.Memory.UpdateScale,
			PtrInertia:  cfg.Pointer.Inertia,
		},
		NumShards: len(shards),
		RouterMap: router.DefaultRouterMap(cfg.Ring.Length, len(shards)),
		Shards:    shards,
	}, nil
}
