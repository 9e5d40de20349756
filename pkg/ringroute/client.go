// Package ringroute is the public entry point for creating, inspecting,
// repartitioning, evaluating and exporting ring-routed checkpoints.
package ringroute

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ringroute/internal/config"
	"ringroute/internal/engine"
	"ringroute/internal/logging"
	"ringroute/internal/model"
	"ringroute/internal/repartition"
	"ringroute/internal/router"
	"ringroute/internal/stats"
	"ringroute/internal/storage"
)

const (
	defaultExportsDir   = "exports"
	defaultArtifactsDir = "runs"
	defaultDBPath       = "ringroute.db"
)

type Options struct {
	// Config is used as is when set; otherwise ConfigPath is loaded.
	Config     *config.Config
	ConfigPath string
	// StoreKind and DBPath override the config's storage section.
	StoreKind    string
	DBPath       string
	ExportsDir   string
	ArtifactsDir string
	Logger       *zap.Logger
}

type Client struct {
	cfg          *config.Config
	store        storage.Store
	manager      *repartition.Manager
	logger       *zap.Logger
	exportsDir   string
	artifactsDir string
	now          func() time.Time

	initOnce sync.Once
	initErr  error
}

type CreateRequest struct {
	// ID defaults to a new UUID.
	ID string
}

type ShardInfo struct {
	ID        int
	Meta      model.ShardMeta
	Addresses []int
}

type Inspection struct {
	Summary   model.CheckpointSummary
	Ring      model.RingParams
	Scalars   model.Scalars
	RouterMap []int
	Shards    []ShardInfo
}

type SplitRequest struct {
	CheckpointID string
	Parent       int
	HotAddresses []int
}

type MergeRequest struct {
	CheckpointID string
	Victim       int
	Target       int
}

type ApplyMetaRequest struct {
	CheckpointID string
	Meta         model.RepartitionMeta
}

type EvalRequest struct {
	CheckpointID string
	Episodes     int
	Steps        int
	Seed         int64
	// Persist writes the advanced step counter and shard last-used steps back.
	Persist bool
	// Artifacts writes the run summary and telemetry windows under the
	// client's artifacts directory.
	Artifacts bool
}

type EvalSummary struct {
	CheckpointID string
	Episodes     int
	Steps        int
	FinalStep    int64
	ExitRate     float64
	Telemetry    model.UsageReport
	Windows      []model.UsageReport
	Materialized []int
	RunID        string
	ArtifactsDir string
}

type ExportRequest struct {
	CheckpointID string
	OutDir       string
}

type ExportSummary struct {
	CheckpointID string
	Directory    string
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = cfg.Storage.Kind
	}
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = cfg.Storage.Path
	}
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}

	logger := opts.Logger
	if logger == nil {
		built, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
		if err != nil {
			return nil, err
		}
		logger = built
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:          cfg,
		store:        store,
		manager:      repartition.NewManager(store, logger.Named("repartition")),
		logger:       logger,
		exportsDir:   exportsDir,
		artifactsDir: artifactsDir,
		now:          time.Now,
	}, nil
}

func (c *Client) Close() error {
	_ = c.logger.Sync()
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config {
	return c.cfg
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (model.CheckpointSummary, error) {
	if err := c.Init(ctx); err != nil {
		return model.CheckpointSummary{}, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists, err := c.store.GetCheckpointHeader(ctx, id); err != nil {
		return model.CheckpointSummary{}, err
	} else if exists {
		return model.CheckpointSummary{}, fmt.Errorf("checkpoint %s already exists", id)
	}

	checkpoint, err := engine.Bootstrap(c.cfg, id)
	if err != nil {
		return model.CheckpointSummary{}, err
	}
	if err := c.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return model.CheckpointSummary{}, err
	}
	c.logger.Info("checkpoint created",
		zap.String("checkpoint", id),
		zap.String("workload", checkpoint.WorkloadID),
		zap.Int("ring_len", checkpoint.Ring.Length),
		zap.Int("shards", checkpoint.NumShards),
	)
	return model.Summarize(checkpoint), nil
}

func (c *Client) List(ctx context.Context) ([]model.CheckpointSummary, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx)
}

func (c *Client) Inspect(ctx context.Context, checkpointID string) (Inspection, error) {
	checkpoint, err := c.loadHeader(ctx, checkpointID)
	if err != nil {
		return Inspection{}, err
	}
	out := Inspection{
		Summary:   model.Summarize(checkpoint),
		Ring:      checkpoint.Ring,
		Scalars:   checkpoint.Scalars,
		RouterMap: append([]int(nil), checkpoint.RouterMap...),
		Shards:    make([]ShardInfo, 0, len(checkpoint.Shards)),
	}
	for _, shard := range checkpoint.Shards {
		out.Shards = append(out.Shards, ShardInfo{
			ID:        shard.ID,
			Meta:      shard.Meta,
			Addresses: router.OwnedAddresses(checkpoint.RouterMap, shard.ID),
		})
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, checkpointID string) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	return c.store.DeleteCheckpoint(ctx, checkpointID)
}

func (c *Client) Split(ctx context.Context, req SplitRequest) (model.RepartitionRecord, error) {
	if err := c.Init(ctx); err != nil {
		return model.RepartitionRecord{}, err
	}
	_, record, err := c.manager.ApplySplit(ctx, req.CheckpointID, req.Parent, req.HotAddresses)
	return record, err
}

func (c *Client) Merge(ctx context.Context, req MergeRequest) (model.RepartitionRecord, error) {
	if err := c.Init(ctx); err != nil {
		return model.RepartitionRecord{}, err
	}
	_, record, err := c.manager.ApplyMerge(ctx, req.CheckpointID, req.Victim, req.Target)
	return record, err
}

func (c *Client) ApplyMeta(ctx context.Context, req ApplyMetaRequest) (model.RepartitionRecord, error) {
	if err := c.Init(ctx); err != nil {
		return model.RepartitionRecord{}, err
	}
	_, record, err := c.manager.ApplyMeta(ctx, req.CheckpointID, req.Meta)
	return record, err
}

func (c *Client) RepartitionLog(ctx context.Context, checkpointID string) ([]model.RepartitionRecord, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.GetRepartitionLog(ctx, checkpointID)
}

// Eval runs an evaluation-only pass over deterministic synthetic inputs.
// Shards are loaded from the store only when the router addresses them.
func (c *Client) Eval(ctx context.Context, req EvalRequest) (EvalSummary, error) {
	if req.Episodes <= 0 {
		req.Episodes = 1
	}
	if req.Steps <= 0 {
		req.Steps = 32
	}
	if req.Seed == 0 {
		req.Seed = c.cfg.Engine.Seed
	}

	checkpoint, err := c.loadHeader(ctx, req.CheckpointID)
	if err != nil {
		return EvalSummary{}, err
	}

	eng, err := engine.New(c.cfg, checkpoint, storage.ShardSourceFor(c.store, req.CheckpointID), c.logger.Named("engine"))
	if err != nil {
		return EvalSummary{}, err
	}
	summary := EvalSummary{CheckpointID: req.CheckpointID, Episodes: req.Episodes, RunID: uuid.NewString()}
	eng.OnTelemetry(func(report model.UsageReport) {
		summary.Windows = append(summary.Windows, report)
	})

	rng := rand.New(rand.NewSource(req.Seed))
	total := router.NewUsage(checkpoint.NumShards)
	exited := 0
	for ep := 0; ep < req.Episodes; ep++ {
		result, err := eng.RunEpisode(ctx, syntheticSequence(rng, req.Steps, c.cfg.Ring.Batch, checkpoint.Ring.InputDim))
		if err != nil {
			return EvalSummary{}, err
		}
		summary.Steps += result.Steps
		if err := total.Merge(router.Usage{Counts: result.Telemetry.Counts}); err != nil {
			return EvalSummary{}, err
		}
		for _, step := range result.ExitStep {
			if step >= 0 {
				exited++
			}
		}
	}
	summary.Telemetry = total.Report()
	summary.ExitRate = float64(exited) / float64(req.Episodes*c.cfg.Ring.Batch)
	summary.Materialized = eng.Materialized()
	summary.FinalStep = eng.StepCount()

	if req.Persist {
		metas := make([]model.ShardMeta, len(checkpoint.Shards))
		for i, step := range eng.LastUsed() {
			metas[i] = checkpoint.Shards[i].Meta
			if step > metas[i].LastUsedStep {
				metas[i].LastUsedStep = step
			}
		}
		if err := c.store.UpdateShardMeta(ctx, req.CheckpointID, eng.StepCount(), metas, checkpoint.Step); err != nil {
			return EvalSummary{}, err
		}
	}

	if req.Artifacts {
		dir, err := c.writeArtifacts(checkpoint, req, summary)
		if err != nil {
			return EvalSummary{}, err
		}
		summary.ArtifactsDir = dir
	}

	c.logger.Info("eval finished",
		zap.String("checkpoint", req.CheckpointID),
		zap.String("run", summary.RunID),
		zap.Int("steps", summary.Steps),
		zap.Float64("normalized_entropy", summary.Telemetry.NormalizedEntropy),
		zap.Float64("max_share", summary.Telemetry.MaxShare),
		zap.Ints("materialized", summary.Materialized),
	)
	return summary, nil
}

func (c *Client) writeArtifacts(checkpoint model.Checkpoint, req EvalRequest, summary EvalSummary) (string, error) {
	run := stats.EvalRun{
		RunID:        summary.RunID,
		CheckpointID: checkpoint.ID,
		WorkloadID:   checkpoint.WorkloadID,
		Episodes:     summary.Episodes,
		Steps:        summary.Steps,
		Seed:         req.Seed,
		FinalStep:    summary.FinalStep,
		ExitRate:     summary.ExitRate,
		Telemetry:    summary.Telemetry,
		Windows:      summary.Windows,
		Materialized: summary.Materialized,
		CreatedAtUTC: c.now().UTC().Format(time.RFC3339Nano),
	}
	dir, err := stats.WriteEvalArtifacts(c.artifactsDir, run)
	if err != nil {
		return "", fmt.Errorf("write eval artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(c.artifactsDir, run.IndexEntry()); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}
	return dir, nil
}

// Runs lists evaluation runs recorded with artifacts, newest first.
func (c *Client) Runs() ([]stats.RunIndexEntry, error) {
	return stats.ListRunIndex(c.artifactsDir)
}

func syntheticSequence(rng *rand.Rand, steps, batch, dim int) [][][]float64 {
	seq := make([][][]float64, steps)
	for t := range seq {
		seq[t] = make([][]float64, batch)
		for i := range seq[t] {
			x := make([]float64, dim)
			for d := range x {
				x[d] = rng.Float64()*2 - 1
			}
			seq[t][i] = x
		}
	}
	return seq
}

// Export writes the checkpoint in the modular directory layout under
// OutDir/<checkpoint id>.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	checkpoint, err := c.load(ctx, req.CheckpointID)
	if err != nil {
		return ExportSummary{}, err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.exportsDir
	}
	dir := filepath.Join(outDir, checkpoint.ID)
	if err := storage.WriteModular(ctx, dir, checkpoint); err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{CheckpointID: checkpoint.ID, Directory: dir}, nil
}

func (c *Client) load(ctx context.Context, checkpointID string) (model.Checkpoint, error) {
	return c.get(ctx, checkpointID, c.store.GetCheckpoint)
}

// loadHeader reads the checkpoint with shard metadata but no parameters.
func (c *Client) loadHeader(ctx context.Context, checkpointID string) (model.Checkpoint, error) {
	return c.get(ctx, checkpointID, c.store.GetCheckpointHeader)
}

func (c *Client) get(ctx context.Context, checkpointID string, read func(context.Context, string) (model.Checkpoint, bool, error)) (model.Checkpoint, error) {
	if err := c.Init(ctx); err != nil {
		return model.Checkpoint{}, err
	}
	if checkpointID == "" {
		return model.Checkpoint{}, errors.New("checkpoint id is required")
	}
	checkpoint, ok, err := read(ctx, checkpointID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w: checkpoint %s", storage.ErrNotFound, checkpointID)
	}
	return checkpoint, nil
}
