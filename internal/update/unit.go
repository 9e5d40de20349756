// Package update computes the per-step state update for one sample from the
// ring read vector and the external input, using one shard's parameters.
package update

import (
	"errors"
	"fmt"
	"math"

	"ringroute/internal/model"
	"ringroute/internal/nn"
	"ringroute/internal/pointer"
)

var ErrShape = errors.New("shard parameter shape mismatch")

type Config struct {
	// Activation names the candidate nonlinearity in the nn registry.
	Activation string
	// ActivationFunc, when set, overrides the registry lookup.
	ActivationFunc nn.ActivationFunc
	UpdateScale    float64
	MaxWalk        float64
	RingLen        int
}

// Result is everything a single sample needs for the rest of its step.
type Result struct {
	Delta      []float64
	Hidden     []float64
	Motion     pointer.Motion
	Confidence float64
	Prediction int
}

type Unit struct {
	cfg        Config
	activation nn.ActivationFunc
}

func New(cfg Config) (*Unit, error) {
	if cfg.Activation == "" {
		cfg.Activation = nn.ShaperActivationName
	}
	fn := cfg.ActivationFunc
	if fn == nil {
		var err error
		fn, err = nn.GetActivation(cfg.Activation)
		if err != nil {
			return nil, err
		}
	}
	if cfg.RingLen <= 0 {
		return nil, fmt.Errorf("update ring length must be > 0, got %d", cfg.RingLen)
	}
	if cfg.UpdateScale < 0 || math.IsNaN(cfg.UpdateScale) {
		return nil, fmt.Errorf("update scale must be >= 0, got %f", cfg.UpdateScale)
	}
	return &Unit{cfg: cfg, activation: fn}, nil
}

// Compute runs GatedUpdate([x, r], r):
//
//	g = sigmoid(Gate·[x,r])  c = act(Candidate·[x,r])  u = scale * g ⊙ (c - r)
//
// The pointer heads and readout are evaluated on h = r + u.
func (u *Unit) Compute(params model.ShardParams, x, r []float64) (Result, error) {
	z := make([]float64, 0, len(x)+len(r))
	z = append(z, x...)
	z = append(z, r...)

	gate, err := nn.Affine(params.Gate, z)
	if err != nil {
		return Result{}, fmt.Errorf("%w: gate: %v", ErrShape, err)
	}
	cand, err := nn.Affine(params.Candidate, z)
	if err != nil {
		return Result{}, fmt.Errorf("%w: candidate: %v", ErrShape, err)
	}
	if len(gate) != len(r) || len(cand) != len(r) {
		return Result{}, fmt.Errorf("%w: update width %d/%d for slot dim %d", ErrShape, len(gate), len(cand), len(r))
	}

	delta := make([]float64, len(r))
	hidden := make([]float64, len(r))
	for d := range r {
		g := nn.Sigmoid(gate[d])
		c := u.activation(cand[d])
		delta[d] = u.cfg.UpdateScale * g * (c - r[d])
		hidden[d] = r[d] + delta[d]
	}

	jump, err := nn.Project(params.Jump, hidden)
	if err != nil {
		return Result{}, fmt.Errorf("%w: jump %v", ErrShape, err)
	}
	walk, err := nn.Project(params.Walk, hidden)
	if err != nil {
		return Result{}, fmt.Errorf("%w: walk %v", ErrShape, err)
	}
	jumpGate, err := nn.Project(params.JumpGate, hidden)
	if err != nil {
		return Result{}, fmt.Errorf("%w: jump gate %v", ErrShape, err)
	}
	logits, err := nn.Affine(params.Readout, hidden)
	if err != nil {
		return Result{}, fmt.Errorf("%w: readout: %v", ErrShape, err)
	}

	probs := nn.Softmax(logits)
	prediction, confidence := 0, 0.0
	for i, p := range probs {
		if p > confidence {
			prediction, confidence = i, p
		}
	}

	return Result{
		Delta:  delta,
		Hidden: hidden,
		Motion: pointer.Motion{
			JumpTarget: float64(u.cfg.RingLen) * nn.Sigmoid(jump),
			Walk:       u.cfg.MaxWalk * math.Tanh(walk),
			JumpProb:   nn.Sigmoid(jumpGate),
		},
		Confidence: confidence,
		Prediction: prediction,
	}, nil
}
