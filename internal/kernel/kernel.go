// Package kernel converts circular distance on the ring into normalized
// read/write weights over a fixed-size window of slots.
package kernel

import (
	"errors"
	"fmt"
	"math"
)

const (
	KindGaussian = "gaussian"
	KindVonMises = "von_mises"

	// MinTau keeps the gaussian logits finite.
	MinTau = 1e-4

	// maxLogitSpan bounds the logit range inside a window so exp never
	// underflows to zero.
	maxLogitSpan = 700.0
)

var (
	ErrInvalidRing   = errors.New("ring length must be > 0")
	ErrInvalidWindow = errors.New("invalid kernel window")
	ErrInvalidKind   = errors.New("unsupported kernel kind")
)

// Remainder is the floored modulo: the result has the sign of n and lies in [0, n).
func Remainder(x, n float64) float64 {
	r := math.Mod(x, n)
	if r < 0 {
		r += n
	}
	if r >= n {
		r -= n
	}
	return r
}

// Delta is the signed shortest circular displacement from a to b, in [-L/2, L/2).
func Delta(a, b, ringLen float64) float64 {
	half := ringLen / 2
	return Remainder(b-a+half, ringLen) - half
}

// CircLerp moves from a toward b by fraction w along the shorter arc.
func CircLerp(a, b, w, ringLen float64) float64 {
	return Remainder(a+w*Delta(a, b, ringLen), ringLen)
}

type Config struct {
	Kind   string
	Tau    float64
	Kappa  float64
	Window int
}

// Window is the transient set of slot indices and weights for one pointer.
type Window struct {
	Indices []int
	Weights []float64
}

type Kernel struct {
	kind    string
	tau     float64
	kappa   float64
	ringLen int
	offsets []int
}

func New(ringLen int, cfg Config) (*Kernel, error) {
	if ringLen <= 0 {
		return nil, ErrInvalidRing
	}
	if cfg.Window <= 0 || cfg.Window > ringLen {
		return nil, fmt.Errorf("%w: window=%d ring=%d", ErrInvalidWindow, cfg.Window, ringLen)
	}
	kind := cfg.Kind
	if kind == "" {
		kind = KindGaussian
	}
	switch kind {
	case KindGaussian, KindVonMises:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	if cfg.Kappa < 0 {
		return nil, fmt.Errorf("von mises kappa must be >= 0, got %f", cfg.Kappa)
	}

	offsets := make([]int, cfg.Window)
	for k := range offsets {
		offsets[k] = k - (cfg.Window-1)/2
	}
	return &Kernel{
		kind:    kind,
		tau:     math.Max(cfg.Tau, tauFloor(cfg.Window)),
		kappa:   cfg.Kappa,
		ringLen: ringLen,
		offsets: offsets,
	}, nil
}

// tauFloor is the smallest temperature for which every slot in a window of
// the given size keeps a nonzero weight.
func tauFloor(window int) float64 {
	reach := float64(window/2 + 1)
	return math.Max(MinTau, reach*reach/maxLogitSpan)
}

func (k *Kernel) Tau() float64 {
	return k.tau
}

func (k *Kernel) Size() int {
	return len(k.offsets)
}

func (k *Kernel) RingLen() int {
	return k.ringLen
}

// Select returns the window around pointer p. The weights are strictly
// positive and sum to 1.
func (k *Kernel) Select(p float64) Window {
	w := Window{
		Indices: make([]int, len(k.offsets)),
		Weights: make([]float64, len(k.offsets)),
	}
	k.SelectInto(p, &w)
	return w
}

// SelectInto fills an existing window, reusing its slices when they are large enough.
func (k *Kernel) SelectInto(p float64, w *Window) {
	n := len(k.offsets)
	if cap(w.Indices) < n {
		w.Indices = make([]int, n)
	}
	if cap(w.Weights) < n {
		w.Weights = make([]float64, n)
	}
	w.Indices = w.Indices[:n]
	w.Weights = w.Weights[:n]

	L := float64(k.ringLen)
	base := int(math.Floor(Remainder(p, L)))
	for i, off := range k.offsets {
		idx := (base + off) % k.ringLen
		if idx < 0 {
			idx += k.ringLen
		}
		w.Indices[i] = idx
		w.Weights[i] = k.logit(float64(idx), p)
	}
	softmaxInPlace(w.Weights)
}

func (k *Kernel) logit(idx, p float64) float64 {
	L := float64(k.ringLen)
	d := Delta(idx, p, L)
	if k.kind == KindVonMises {
		return k.kappa * math.Cos(2*math.Pi*d/L)
	}
	return -(d * d) / k.tau
}

func softmaxInPlace(values []float64) {
	maxValue := math.Inf(-1)
	for _, v := range values {
		if v > maxValue {
			maxValue = v
		}
	}
	sum := 0.0
	for i, v := range values {
		e := math.Exp(v - maxValue)
		values[i] = e
		sum += e
	}
	for i := range values {
		values[i] /= sum
	}
}
