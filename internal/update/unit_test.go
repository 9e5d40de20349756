package update

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"ringroute/internal/model"
)

func zeroParams(dims Dims) model.ShardParams {
	p := InitParams(rand.New(rand.NewSource(1)), dims)
	for _, d := range []*model.Dense{&p.Gate, &p.Candidate, &p.Readout} {
		clear(d.W)
		clear(d.B)
	}
	for _, h := range []*model.Head{&p.Jump, &p.Walk, &p.JumpGate} {
		clear(h.W)
		h.B = 0
	}
	return p
}

func TestComputeZeroParamsMovesTowardZeroCandidate(t *testing.T) {
	dims := Dims{InputDim: 1, SlotDim: 2, Classes: 2}
	u, err := New(Config{Activation: "identity", UpdateScale: 1, MaxWalk: 1, RingLen: 8})
	require.NoError(t, err)

	res, err := u.Compute(zeroParams(dims), []float64{0.3}, []float64{1, -2})
	require.NoError(t, err)
	// g = 0.5, c = 0 => u = 0.5*(0 - r)
	require.InDeltaSlice(t, []float64{-0.5, 1}, res.Delta, 1e-12)
	require.InDeltaSlice(t, []float64{0.5, -1}, res.Hidden, 1e-12)
	require.InDelta(t, 4.0, res.Motion.JumpTarget, 1e-12)
	require.InDelta(t, 0.0, res.Motion.Walk, 1e-12)
	require.InDelta(t, 0.5, res.Motion.JumpProb, 1e-12)
	require.InDelta(t, 0.5, res.Confidence, 1e-12)
}

func TestComputeUsesRegisteredShaperByDefault(t *testing.T) {
	dims := Dims{InputDim: 1, SlotDim: 1, Classes: 2}
	u, err := New(Config{UpdateScale: 1, RingLen: 8})
	require.NoError(t, err)

	p := zeroParams(dims)
	p.Candidate.B[0] = math.Pi / 2
	res, err := u.Compute(p, []float64{0}, []float64{0})
	require.NoError(t, err)
	want := 0.5 * math.Pi * (0.25 + 4*0.0625)
	require.InDelta(t, want, res.Delta[0], 1e-12)
}

func TestComputeReadoutPicksPrediction(t *testing.T) {
	dims := Dims{InputDim: 0, SlotDim: 1, Classes: 3}
	u, err := New(Config{Activation: "identity", UpdateScale: 0, RingLen: 8})
	require.NoError(t, err)
	p := zeroParams(dims)
	p.Readout.B = []float64{0, 5, 0}
	res, err := u.Compute(p, nil, []float64{1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Prediction)
	require.Greater(t, res.Confidence, 0.9)
	require.Equal(t, []float64{0}, res.Delta, "zero update scale writes nothing")
}

func TestComputeShapeMismatch(t *testing.T) {
	dims := Dims{InputDim: 2, SlotDim: 2, Classes: 2}
	u, err := New(Config{RingLen: 8, UpdateScale: 1})
	require.NoError(t, err)
	_, err = u.Compute(InitParams(nil, dims), []float64{1}, []float64{0, 0})
	require.ErrorIs(t, err, ErrShape)
}

func TestCheckParams(t *testing.T) {
	dims := Dims{InputDim: 3, SlotDim: 4, Classes: 2}
	p := InitParams(rand.New(rand.NewSource(3)), dims)
	require.NoError(t, CheckParams(p, dims))

	p.Walk.W = p.Walk.W[:2]
	require.ErrorIs(t, CheckParams(p, dims), ErrShape)
	require.ErrorIs(t, CheckParams(InitParams(nil, dims), Dims{InputDim: 1, SlotDim: 4, Classes: 2}), ErrShape)
}

func TestInitParamsDeterministicForSeed(t *testing.T) {
	dims := Dims{InputDim: 1, SlotDim: 3, Classes: 2}
	a := InitParams(rand.New(rand.NewSource(9)), dims)
	b := InitParams(rand.New(rand.NewSource(9)), dims)
	require.Equal(t, a, b)
	for _, w := range a.Gate.W {
		require.True(t, w >= -0.5 && w < 0.5)
	}
}

func TestNewRejectsUnknownActivation(t *testing.T) {
	_, err := New(Config{Activation: "nope", RingLen: 8})
	require.Error(t, err)
	_, err = New(Config{RingLen: 0})
	require.Error(t, err)
}
