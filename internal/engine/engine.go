// Package engine runs the per-timestep loop: select a window, read, route to
// a shard, compute the update, write back and move the pointer, all gated by
// the early-exit mask. Samples are processed in parallel; timesteps are not.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ringroute/internal/config"
	"ringroute/internal/exitgate"
	"ringroute/internal/kernel"
	"ringroute/internal/logging"
	"ringroute/internal/model"
	"ringroute/internal/pointer"
	"ringroute/internal/ring"
	"ringroute/internal/router"
	"ringroute/internal/update"
)

var (
	ErrInputShape         = errors.New("input batch shape mismatch")
	ErrCheckpointMismatch = errors.New("checkpoint does not match configuration")
)

// StepResult is the per-sample outcome of one timestep.
type StepResult struct {
	Step        int64
	Bins        []int
	Shards      []int
	LogBins     []int
	Pointers    []float64
	Predictions []int
	Confidence  []float64
	Frozen      []bool
}

type TelemetrySink func(model.UsageReport)

type Engine struct {
	cfg     *config.Config
	ckpt    model.Checkpoint
	batch   int
	workers int
	logger  *zap.Logger
	sink    TelemetrySink

	kernel    *kernel.Kernel
	memory    *ring.Memory
	pointers  *pointer.Controller
	quantizer *pointer.HysteresisQuantizer
	router    *router.Router
	shards    *router.Materializer
	unit      *update.Unit
	gate      *exitgate.Gate

	step        int64
	lastUsed    []int64
	window      router.Usage
	windowSteps int
}

type checkpointSource struct {
	shards []model.ShardRecord
}

func (s checkpointSource) LoadShard(_ context.Context, id int) (model.ShardRecord, error) {
	if id < 0 || id >= len(s.shards) {
		return model.ShardRecord{}, fmt.Errorf("%w: %d", router.ErrUnknownShard, id)
	}
	return model.CloneShard(s.shards[id]), nil
}

// checkedSource rejects shard records whose parameters do not fit the
// checkpoint's dimensions, so a corrupt shard fails when it is loaded.
type checkedSource struct {
	source router.ShardSource
	dims   update.Dims
}

func (s checkedSource) LoadShard(ctx context.Context, id int) (model.ShardRecord, error) {
	rec, err := s.source.LoadShard(ctx, id)
	if err != nil {
		return model.ShardRecord{}, err
	}
	if err := update.CheckParams(rec.Params, s.dims); err != nil {
		return model.ShardRecord{}, fmt.Errorf("shard %d: %w", id, err)
	}
	return rec, nil
}

// New builds an engine over ckpt. Structural parameters come from the
// checkpoint; dynamics come from cfg. When source is nil the checkpoint's own
// shard records serve as the source, still loaded only when routed to.
func New(cfg *config.Config, ckpt model.Checkpoint, source router.ShardSource, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkCheckpoint(ckpt); err != nil {
		return nil, err
	}
	if source == nil {
		if len(ckpt.Shards) != ckpt.NumShards {
			return nil, fmt.Errorf("%w: no shard source and %d of %d shard records", ErrCheckpointMismatch, len(ckpt.Shards), ckpt.NumShards)
		}
		source = checkpointSource{shards: ckpt.Shards}
	}

	length := ckpt.Ring.Length
	k, err := kernel.New(length, kernel.Config{
		Kind:   cfg.Kernel.Kind,
		Tau:    cfg.Kernel.Tau,
		Kappa:  cfg.Kernel.Kappa,
		Window: ckpt.Ring.Window,
	})
	if err != nil {
		return nil, err
	}
	memory, err := ring.NewMemory(cfg.Ring.Batch, length, ckpt.Ring.SlotDim, ring.Options{
		Decay:     cfg.Memory.Decay,
		Clip:      cfg.Memory.Clip,
		HardBound: cfg.Memory.HardBound,
	})
	if err != nil {
		return nil, err
	}
	pointers, err := pointer.NewController(cfg.Ring.Batch, length, pointer.Config{
		Inertia:       ckpt.Scalars.PtrInertia,
		Deadzone:      cfg.Pointer.Deadzone,
		GateThreshold: cfg.Pointer.GateThreshold,
		MaxWalk:       cfg.Pointer.MaxWalk,
		Init:          cfg.Pointer.Init,
	})
	if err != nil {
		return nil, err
	}
	rt, err := router.New(ckpt.RouterMap, ckpt.NumShards, cfg.Pointer.Bin)
	if err != nil {
		return nil, err
	}
	activation, err := cfg.Activation.Func()
	if err != nil {
		return nil, err
	}
	unit, err := update.New(update.Config{
		Activation:     cfg.Activation.Name,
		ActivationFunc: activation,
		UpdateScale:    ckpt.Scalars.UpdateScale,
		MaxWalk:        cfg.Pointer.MaxWalk,
		RingLen:        length,
	})
	if err != nil {
		return nil, err
	}
	gate, err := exitgate.New(cfg.Ring.Batch, cfg.Exit.Threshold, cfg.Exit.EMA)
	if err != nil {
		return nil, err
	}

	dims := update.Dims{InputDim: ckpt.Ring.InputDim, SlotDim: ckpt.Ring.SlotDim, Classes: ckpt.Ring.Classes}
	if err := dims.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointMismatch, err)
	}

	lastUsed := make([]int64, ckpt.NumShards)
	for i, shard := range ckpt.Shards {
		lastUsed[i] = shard.Meta.LastUsedStep
	}

	return &Engine{
		cfg:       cfg,
		ckpt:      model.CloneCheckpoint(ckpt),
		batch:     cfg.Ring.Batch,
		workers:   cfg.Engine.Workers,
		logger:    logging.OrNop(logger),
		kernel:    k,
		memory:    memory,
		pointers:  pointers,
		quantizer: pointer.NewHysteresisQuantizer(cfg.Ring.Batch, length),
		router:    rt,
		shards:    router.NewMaterializer(checkedSource{source: source, dims: dims}, ckpt.NumShards),
		unit:      unit,
		gate:      gate,
		step:      ckpt.Step,
		lastUsed:  lastUsed,
		window:    router.NewUsage(ckpt.NumShards),
	}, nil
}

func checkCheckpoint(c model.Checkpoint) error {
	if c.Ring.Length <= 0 || c.Ring.SlotDim <= 0 || c.Ring.Window <= 0 {
		return fmt.Errorf("%w: ring length=%d slot_dim=%d window=%d", ErrCheckpointMismatch, c.Ring.Length, c.Ring.SlotDim, c.Ring.Window)
	}
	if len(c.RouterMap) != c.Ring.Length {
		return fmt.Errorf("%w: router map covers %d of %d addresses", ErrCheckpointMismatch, len(c.RouterMap), c.Ring.Length)
	}
	if c.Shards != nil && len(c.Shards) != c.NumShards {
		return fmt.Errorf("%w: num_shards=%d but %d shard records", ErrCheckpointMismatch, c.NumShards, len(c.Shards))
	}
	return nil
}

// OnTelemetry installs a sink that receives each completed telemetry window.
func (e *Engine) OnTelemetry(sink TelemetrySink) {
	e.sink = sink
}

// Reset clears ring state, pointers, exit flags and the logging quantizer.
// The global step counter and usage history are kept.
func (e *Engine) Reset() {
	e.memory.Reset()
	e.pointers.Reset()
	e.gate.Reset()
	e.quantizer.Reset()
}

func (e *Engine) Batch() int { return e.batch }

// StepCount is the global step counter, continuing from the checkpoint's.
func (e *Engine) StepCount() int64 { return e.step }

func (e *Engine) Pointers() []float64 { return e.pointers.Positions() }

// State returns a copy of sample i's ring, row-major [L, D].
func (e *Engine) State(i int) []float64 { return e.memory.Sample(i) }

func (e *Engine) Frozen(i int) bool { return e.gate.Frozen(i) }

// Materialized lists the shard ids loaded so far.
func (e *Engine) Materialized() []int { return e.shards.Loaded() }

// Telemetry reports the current, possibly partial, window.
func (e *Engine) Telemetry() model.UsageReport { return e.window.Report() }

// Step advances every sample by one timestep. Cancellation is honored only
// before the step begins; once started a step runs to completion or fails.
func (e *Engine) Step(ctx context.Context, inputs [][]float64) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if len(inputs) != e.batch {
		return StepResult{}, fmt.Errorf("%w: got %d samples, batch is %d", ErrInputShape, len(inputs), e.batch)
	}
	for i, x := range inputs {
		if len(x) != e.ckpt.Ring.InputDim {
			return StepResult{}, fmt.Errorf("%w: sample %d has %d inputs, want %d", ErrInputShape, i, len(x), e.ckpt.Ring.InputDim)
		}
	}

	res := StepResult{
		Bins:        make([]int, e.batch),
		Shards:      make([]int, e.batch),
		LogBins:     make([]int, e.batch),
		Pointers:    make([]float64, e.batch),
		Predictions: make([]int, e.batch),
		Confidence:  make([]float64, e.batch),
		Frozen:      make([]bool, e.batch),
	}
	for i := 0; i < e.batch; i++ {
		res.Bins[i], res.Shards[i] = e.router.Route(e.pointers.Position(i))
	}
	if err := e.shards.Acquire(ctx, res.Shards); err != nil {
		return StepResult{}, err
	}

	chunks := e.workers
	if chunks > e.batch {
		chunks = e.batch
	}
	partial := make([]router.Usage, chunks)
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for c := 0; c < chunks; c++ {
		lo, hi := c*e.batch/chunks, (c+1)*e.batch/chunks
		partial[c] = router.NewUsage(e.ckpt.NumShards)
		usage := &partial[c]
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := e.stepSample(i, inputs[i], &res); err != nil {
					return err
				}
				usage.Add(res.Shards[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, ring.ErrStabilityFault) {
			e.logger.Error("stability fault", zap.Int64("step", e.step), zap.Error(err))
		}
		return StepResult{}, err
	}

	e.step++
	res.Step = e.step
	for _, u := range partial {
		if err := e.window.Merge(u); err != nil {
			return StepResult{}, err
		}
	}
	for _, id := range res.Shards {
		e.lastUsed[id] = e.step
	}
	e.windowSteps++
	if w := e.cfg.Router.TelemetryWindow; w > 0 && e.windowSteps >= w {
		e.flushTelemetry()
	}
	return res, nil
}

func (e *Engine) stepSample(i int, x []float64, res *StepResult) error {
	mask := e.gate.Mask(i)
	window := e.kernel.Select(e.pointers.Position(i))

	read, err := e.memory.Read(i, window.Indices, window.Weights)
	if err != nil {
		return err
	}
	shard, err := e.shards.Get(res.Shards[i])
	if err != nil {
		return err
	}
	out, err := e.unit.Compute(shard.Params, x, read)
	if err != nil {
		return fmt.Errorf("sample %d shard %d: %w", i, shard.ID, err)
	}
	if err := e.memory.Write(i, window.Indices, window.Weights, out.Delta, mask); err != nil {
		return err
	}
	p := e.pointers.Advance(i, out.Motion, mask)

	res.Pointers[i] = p
	res.LogBins[i] = e.quantizer.Bin(i, p)
	res.Predictions[i] = out.Prediction
	res.Confidence[i] = out.Confidence
	res.Frozen[i] = e.gate.Observe(i, out.Confidence)
	return nil
}

func (e *Engine) flushTelemetry() {
	report := e.window.Report()
	e.logger.Info("router telemetry",
		zap.Int64("step", e.step),
		zap.Int64s("usage", report.Counts),
		zap.Float64("entropy", report.Entropy),
		zap.Float64("normalized_entropy", report.NormalizedEntropy),
		zap.Float64("max_share", report.MaxShare),
		zap.Int("active", report.ActiveCount),
		zap.Float64("max_abs_state", e.memory.MaxAbs()),
	)
	if e.sink != nil {
		e.sink(report)
	}
	e.window.Reset()
	e.windowSteps = 0
}

// Snapshot returns the checkpoint with the current step counter and the
// last-used step of every shard routed to since load.
func (e *Engine) Snapshot() model.Checkpoint {
	out := model.CloneCheckpoint(e.ckpt)
	out.Step = e.step
	for i := range out.Shards {
		if e.lastUsed[i] > out.Shards[i].Meta.LastUsedStep {
			out.Shards[i].Meta.LastUsedStep = e.lastUsed[i]
		}
	}
	return out
}

// LastUsed returns the last step each shard was routed to.
func (e *Engine) LastUsed() []int64 {
	return append([]int64(nil), e.lastUsed...)
}
