// Package pointer advances the continuous per-sample ring position.
package pointer

import (
	"errors"
	"fmt"
	"math"

	"ringroute/internal/kernel"
	"ringroute/internal/nn"
)

const (
	InitZero   = "zero"
	InitSpread = "spread"
)

var ErrInvalidConfig = errors.New("invalid pointer config")

type Config struct {
	// Inertia is the low-pass coefficient on velocity, in [0, 1).
	Inertia float64
	// Deadzone zeroes filtered walk increments with magnitude below it.
	Deadzone float64
	// GateThreshold is the jump probability under which jumps are switched off.
	GateThreshold float64
	// MaxWalk bounds the filtered walk increment; 0 disables the bound.
	MaxWalk float64
	Init    string
}

// Motion is the proposed movement for one sample at one step.
type Motion struct {
	JumpTarget float64
	Walk       float64
	JumpProb   float64
}

type Controller struct {
	cfg      Config
	ringLen  float64
	position []float64
	velocity []float64
}

func NewController(batch, ringLen int, cfg Config) (*Controller, error) {
	if batch <= 0 || ringLen <= 0 {
		return nil, fmt.Errorf("%w: batch=%d ring=%d", ErrInvalidConfig, batch, ringLen)
	}
	if cfg.Inertia < 0 || cfg.Inertia >= 1 {
		return nil, fmt.Errorf("%w: inertia must be in [0, 1), got %f", ErrInvalidConfig, cfg.Inertia)
	}
	if cfg.Deadzone < 0 || cfg.MaxWalk < 0 {
		return nil, fmt.Errorf("%w: deadzone and max walk must be >= 0", ErrInvalidConfig)
	}
	switch cfg.Init {
	case "", InitZero, InitSpread:
	default:
		return nil, fmt.Errorf("%w: unknown init %q", ErrInvalidConfig, cfg.Init)
	}
	c := &Controller{
		cfg:      cfg,
		ringLen:  float64(ringLen),
		position: make([]float64, batch),
		velocity: make([]float64, batch),
	}
	c.Reset()
	return c, nil
}

// Reset restores the configured initial positions and zero velocity.
func (c *Controller) Reset() {
	n := len(c.position)
	for i := range c.position {
		c.velocity[i] = 0
		if c.cfg.Init == InitSpread {
			c.position[i] = kernel.Remainder(float64(i)*c.ringLen/float64(n), c.ringLen)
			continue
		}
		c.position[i] = 0
	}
}

func (c *Controller) Position(i int) float64 { return c.position[i] }
func (c *Controller) Velocity(i int) float64 { return c.velocity[i] }

func (c *Controller) Positions() []float64 {
	return append([]float64(nil), c.position...)
}

// Advance moves sample i. Stabilizers run before the blend; mask 0 leaves
// position and velocity exactly unchanged. Distinct samples may advance
// concurrently.
func (c *Controller) Advance(i int, m Motion, mask float64) float64 {
	p := c.position[i]
	v := c.velocity[i]

	filtered := c.cfg.Inertia*v + (1-c.cfg.Inertia)*m.Walk
	limit := math.Inf(1)
	if c.cfg.MaxWalk > 0 {
		limit = c.cfg.MaxWalk
	}
	filtered = nn.SatDeadZone(filtered, limit, -limit, c.cfg.Deadzone, -c.cfg.Deadzone)

	jumpWeight := 0.0
	if m.JumpProb >= c.cfg.GateThreshold {
		jumpWeight = nn.Sat(m.JumpProb, 1, 0)
	}

	walked := kernel.Remainder(p+filtered, c.ringLen)
	proposed := kernel.CircLerp(walked, kernel.Remainder(m.JumpTarget, c.ringLen), jumpWeight, c.ringLen)

	c.position[i] = kernel.CircLerp(p, proposed, mask, c.ringLen)
	c.velocity[i] = v + mask*(filtered-v)
	return c.position[i]
}
