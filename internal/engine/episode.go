package engine

import (
	"context"
	"fmt"

	"ringroute/internal/model"
	"ringroute/internal/router"
)

type EpisodeResult struct {
	Steps int
	// Bins holds the hysteresis-stabilized logging bin of every sample at every step.
	Bins [][]int
	// ExitStep is the step index at which each sample froze, or -1.
	ExitStep      []int
	FinalPointers []float64
	Predictions   []int
	Telemetry     model.UsageReport
}

// RunEpisode resets per-episode state and steps through seq, where seq[t][i]
// is sample i's input at step t. The episode stops early once every sample
// has exited.
func (e *Engine) RunEpisode(ctx context.Context, seq [][][]float64) (EpisodeResult, error) {
	e.Reset()

	out := EpisodeResult{
		ExitStep: make([]int, e.batch),
	}
	for i := range out.ExitStep {
		out.ExitStep[i] = -1
	}
	usage := router.NewUsage(e.ckpt.NumShards)

	var last StepResult
	for t, inputs := range seq {
		res, err := e.Step(ctx, inputs)
		if err != nil {
			return out, fmt.Errorf("episode step %d: %w", t, err)
		}
		last = res
		out.Steps++
		out.Bins = append(out.Bins, res.LogBins)
		for _, id := range res.Shards {
			usage.Add(id)
		}

		exited := 0
		for i, frozen := range res.Frozen {
			if frozen && out.ExitStep[i] < 0 {
				out.ExitStep[i] = t
			}
			if frozen {
				exited++
			}
		}
		if e.gate.Enabled() && exited == e.batch {
			break
		}
	}

	out.FinalPointers = e.pointers.Positions()
	out.Predictions = last.Predictions
	out.Telemetry = usage.Report()
	return out, nil
}
