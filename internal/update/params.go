package update

import (
	"fmt"
	"math/rand"
	"time"

	"ringroute/internal/model"
)

// Dims are the shapes every shard of a checkpoint shares.
type Dims struct {
	InputDim int
	SlotDim  int
	Classes  int
}

func (d Dims) Validate() error {
	if d.InputDim < 0 || d.SlotDim <= 0 || d.Classes <= 0 {
		return fmt.Errorf("invalid shard dims: input=%d slot=%d classes=%d", d.InputDim, d.SlotDim, d.Classes)
	}
	return nil
}

// InitParams draws fresh shard parameters with weights centered on zero.
func InitParams(rng *rand.Rand, dims Dims) model.ShardParams {
	rng = ensureRNG(rng)
	in := dims.InputDim + dims.SlotDim
	return model.ShardParams{
		Gate:      randomDense(rng, dims.SlotDim, in),
		Candidate: randomDense(rng, dims.SlotDim, in),
		Jump:      randomHead(rng, dims.SlotDim),
		Walk:      randomHead(rng, dims.SlotDim),
		JumpGate:  randomHead(rng, dims.SlotDim),
		Readout:   randomDense(rng, dims.Classes, dims.SlotDim),
	}
}

// CheckParams verifies a shard's tensors match dims.
func CheckParams(p model.ShardParams, dims Dims) error {
	in := dims.InputDim + dims.SlotDim
	check := func(name string, d model.Dense, rows, cols int) error {
		if d.Rows != rows || d.Cols != cols || len(d.W) != rows*cols || len(d.B) != rows {
			return fmt.Errorf("%w: %s is %dx%d (w=%d b=%d), want %dx%d", ErrShape, name, d.Rows, d.Cols, len(d.W), len(d.B), rows, cols)
		}
		return nil
	}
	if err := check("gate", p.Gate, dims.SlotDim, in); err != nil {
		return err
	}
	if err := check("candidate", p.Candidate, dims.SlotDim, in); err != nil {
		return err
	}
	if err := check("readout", p.Readout, dims.Classes, dims.SlotDim); err != nil {
		return err
	}
	for name, h := range map[string]model.Head{"jump": p.Jump, "walk": p.Walk, "jump_gate": p.JumpGate} {
		if len(h.W) != dims.SlotDim {
			return fmt.Errorf("%w: %s head has %d weights, want %d", ErrShape, name, len(h.W), dims.SlotDim)
		}
	}
	return nil
}

func randomDense(rng *rand.Rand, rows, cols int) model.Dense {
	d := model.Dense{Rows: rows, Cols: cols, W: make([]float64, rows*cols), B: make([]float64, rows)}
	for i := range d.W {
		d.W[i] = randomCentered(rng)
	}
	return d
}

func randomHead(rng *rand.Rand, width int) model.Head {
	h := model.Head{W: make([]float64, width)}
	for i := range h.W {
		h.W[i] = randomCentered(rng)
	}
	return h
}

func ensureRNG(rng *rand.Rand) *rand.Rand {
	if rng != nil {
		return rng
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func randomCentered(rng *rand.Rand) float64 {
	return rng.Float64() - 0.5
}
