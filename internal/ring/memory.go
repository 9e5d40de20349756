// Package ring holds the per-sample circular state array and its windowed
// read and scatter-add write.
package ring

import (
	"errors"
	"fmt"
	"math"

	"ringroute/internal/nn"
)

var (
	ErrInvalidShape     = errors.New("invalid ring shape")
	ErrIndexOutOfRange  = errors.New("ring index out of range")
	ErrStabilityFault   = errors.New("ring state exceeded hard bound")
	ErrWindowMismatch   = errors.New("window indices and weights differ in length")
	ErrDeltaDimMismatch = errors.New("delta dimension mismatch")
)

type Options struct {
	// Decay is lambda in state *= (1-lambda), applied before each write.
	Decay float64
	// Clip bounds every element to [-Clip, Clip] after a write; 0 disables.
	Clip float64
	// HardBound is the magnitude past which a write is a stability fault; 0 disables.
	HardBound float64
}

// Memory is a [batch, L, D] state array. Samples never interact, so writes
// for different samples may run concurrently.
type Memory struct {
	batch   int
	length  int
	slotDim int
	opts    Options
	state   []float64
}

func NewMemory(batch, length, slotDim int, opts Options) (*Memory, error) {
	if batch <= 0 || length <= 0 || slotDim <= 0 {
		return nil, fmt.Errorf("%w: batch=%d L=%d D=%d", ErrInvalidShape, batch, length, slotDim)
	}
	if opts.Decay < 0 || opts.Decay >= 1 {
		return nil, fmt.Errorf("decay must be in [0, 1), got %f", opts.Decay)
	}
	if opts.Clip < 0 || opts.HardBound < 0 {
		return nil, fmt.Errorf("clip and hard bound must be >= 0")
	}
	return &Memory{
		batch:   batch,
		length:  length,
		slotDim: slotDim,
		opts:    opts,
		state:   make([]float64, batch*length*slotDim),
	}, nil
}

func (m *Memory) Batch() int   { return m.batch }
func (m *Memory) Length() int  { return m.length }
func (m *Memory) SlotDim() int { return m.slotDim }

func (m *Memory) Reset() {
	clear(m.state)
}

func (m *Memory) slot(sample, idx int) []float64 {
	off := (sample*m.length + idx) * m.slotDim
	return m.state[off : off+m.slotDim]
}

func (m *Memory) sampleState(sample int) []float64 {
	off := sample * m.length * m.slotDim
	return m.state[off : off+m.length*m.slotDim]
}

func (m *Memory) checkWindow(sample int, indices []int, weights []float64) error {
	if sample < 0 || sample >= m.batch {
		return fmt.Errorf("%w: sample %d", ErrIndexOutOfRange, sample)
	}
	if len(indices) != len(weights) {
		return ErrWindowMismatch
	}
	for _, idx := range indices {
		if idx < 0 || idx >= m.length {
			return fmt.Errorf("%w: slot %d", ErrIndexOutOfRange, idx)
		}
	}
	return nil
}

// Read returns the weighted sum of the window's slots for one sample.
func (m *Memory) Read(sample int, indices []int, weights []float64) ([]float64, error) {
	if err := m.checkWindow(sample, indices, weights); err != nil {
		return nil, err
	}
	out := make([]float64, m.slotDim)
	for i, idx := range indices {
		w := weights[i]
		for d, v := range m.slot(sample, idx) {
			out[d] += w * v
		}
	}
	return out, nil
}

// Write decays the sample's ring, scatter-adds weights[i]*delta into each
// window slot, and clips. mask scales the whole operation: 0 leaves the state
// bit-identical, 1 applies it fully.
func (m *Memory) Write(sample int, indices []int, weights []float64, delta []float64, mask float64) error {
	if err := m.checkWindow(sample, indices, weights); err != nil {
		return err
	}
	if len(delta) != m.slotDim {
		return fmt.Errorf("%w: got %d want %d", ErrDeltaDimMismatch, len(delta), m.slotDim)
	}

	if m.opts.Decay > 0 {
		keep := 1 - m.opts.Decay*mask
		state := m.sampleState(sample)
		for i := range state {
			state[i] *= keep
		}
	}

	peak := 0.0
	for i, idx := range indices {
		scale := weights[i] * mask
		slot := m.slot(sample, idx)
		for d := range slot {
			slot[d] += scale * delta[d]
			v := slot[d]
			if math.IsNaN(v) {
				peak = math.Inf(1)
			} else if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}
	if m.opts.HardBound > 0 && peak > m.opts.HardBound {
		return fmt.Errorf("%w: sample %d magnitude %g > %g", ErrStabilityFault, sample, peak, m.opts.HardBound)
	}

	if m.opts.Clip > 0 {
		for _, idx := range indices {
			slot := m.slot(sample, idx)
			for d := range slot {
				slot[d] = nn.SaturationWithSpread(slot[d], m.opts.Clip)
			}
		}
	}
	return nil
}

// Sample returns a copy of one sample's [L, D] state, row-major.
func (m *Memory) Sample(sample int) []float64 {
	return append([]float64(nil), m.sampleState(sample)...)
}

// MaxAbs is the largest element magnitude across the batch.
func (m *Memory) MaxAbs() float64 {
	peak := 0.0
	for _, v := range m.state {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}
