// Package exitgate implements the per-sample early-exit (satiety) flag.
package exitgate

import (
	"fmt"
	"sync/atomic"
)

// Gate tracks a running confidence score per sample and freezes a sample once
// the score reaches the threshold. A set flag stays set until Reset.
type Gate struct {
	threshold float64
	ema       float64

	score    []float64
	observed []bool
	frozen   []bool
	count    atomic.Int64
}

// New builds a gate for batch samples. threshold <= 0 disables freezing.
// ema in [0, 1) smooths the running score; 0 uses the latest confidence.
func New(batch int, threshold, ema float64) (*Gate, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("exit gate batch must be > 0, got %d", batch)
	}
	if ema < 0 || ema >= 1 {
		return nil, fmt.Errorf("exit gate ema must be in [0, 1), got %f", ema)
	}
	return &Gate{
		threshold: threshold,
		ema:       ema,
		score:     make([]float64, batch),
		observed:  make([]bool, batch),
		frozen:    make([]bool, batch),
	}, nil
}

func (g *Gate) Enabled() bool {
	return g.threshold > 0
}

// Observe folds a confidence into sample i's score and reports whether the
// sample is frozen afterwards. Observations on a frozen sample are ignored.
// Distinct samples may be observed concurrently.
func (g *Gate) Observe(i int, confidence float64) bool {
	if g.frozen[i] {
		return true
	}
	if g.observed[i] {
		g.score[i] = g.ema*g.score[i] + (1-g.ema)*confidence
	} else {
		g.score[i] = confidence
		g.observed[i] = true
	}
	if g.Enabled() && g.score[i] >= g.threshold {
		g.frozen[i] = true
		g.count.Add(1)
	}
	return g.frozen[i]
}

// Mask is the multiplicative update mask for sample i: 0 when frozen, else 1.
func (g *Gate) Mask(i int) float64 {
	if g.frozen[i] {
		return 0
	}
	return 1
}

func (g *Gate) Frozen(i int) bool {
	return g.frozen[i]
}

func (g *Gate) Score(i int) float64 {
	return g.score[i]
}

// Count is the number of frozen samples.
func (g *Gate) Count() int {
	return int(g.count.Load())
}

func (g *Gate) Reset() {
	clear(g.score)
	clear(g.observed)
	clear(g.frozen)
	g.count.Store(0)
}
