package pointer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, batch int, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(batch, 10, cfg)
	require.NoError(t, err)
	return c
}

// place puts sample 0 at rest at p.
func place(c *Controller, p float64) {
	c.position[0] = p
	c.velocity[0] = 0
}

func TestAdvanceWalkOnlyWraps(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0, GateThreshold: 1.1})
	place(c, 9.5)

	got := c.Advance(0, Motion{Walk: 1, JumpTarget: 3, JumpProb: 0.9}, 1)
	require.InDelta(t, 0.5, got, 1e-12)
	require.InDelta(t, 1.0, c.Velocity(0), 1e-12)
}

func TestAdvanceInertiaFiltersVelocity(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0.5, GateThreshold: 1.1})
	c.Advance(0, Motion{Walk: 1}, 1)
	require.InDelta(t, 0.5, c.Position(0), 1e-12)
	c.Advance(0, Motion{Walk: 1}, 1)
	require.InDelta(t, 0.75, c.Velocity(0), 1e-12)
	require.InDelta(t, 1.25, c.Position(0), 1e-12)
}

func TestAdvanceDeadzoneZeroesSmallIncrements(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0, Deadzone: 0.2, GateThreshold: 1.1})
	place(c, 4)
	c.Advance(0, Motion{Walk: 0.1}, 1)
	require.Equal(t, 4.0, c.Position(0))
	require.Equal(t, 0.0, c.Velocity(0))

	c.Advance(0, Motion{Walk: -0.3}, 1)
	require.InDelta(t, 3.7, c.Position(0), 1e-12)
}

func TestAdvanceMaxWalkBoundsIncrement(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0, MaxWalk: 0.5, GateThreshold: 1.1})
	c.Advance(0, Motion{Walk: 3}, 1)
	require.InDelta(t, 0.5, c.Position(0), 1e-12)
}

func TestAdvanceGateBlendsJumpOnShorterArc(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0, GateThreshold: 0.5})
	place(c, 9)

	// full-confidence jump lands exactly on the target
	c.Advance(0, Motion{JumpTarget: 1, JumpProb: 1}, 1)
	require.InDelta(t, 1.0, c.Position(0), 1e-12)

	// half-weight jump from 9 toward 1 crosses the wrap point
	place(c, 9)
	c.Advance(0, Motion{JumpTarget: 1, JumpProb: 0.5}, 1)
	require.InDelta(t, 0.0, c.Position(0), 1e-12)
}

func TestAdvanceGateBelowThresholdIgnoresJump(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0, GateThreshold: 0.6})
	place(c, 2)
	c.Advance(0, Motion{JumpTarget: 7, JumpProb: 0.59}, 1)
	require.Equal(t, 2.0, c.Position(0))
}

func TestAdvanceMaskZeroFreezes(t *testing.T) {
	c := newTestController(t, 2, Config{Inertia: 0.3, GateThreshold: 0.1})
	c.Advance(0, Motion{Walk: 0.7, JumpTarget: 5, JumpProb: 0.4}, 1)
	c.Advance(1, Motion{Walk: 0.7, JumpTarget: 5, JumpProb: 0.4}, 1)

	pos, vel := c.Position(0), c.Velocity(0)
	c.Advance(0, Motion{Walk: -0.9, JumpTarget: 8, JumpProb: 0.9}, 0)
	require.Equal(t, pos, c.Position(0))
	require.Equal(t, vel, c.Velocity(0))

	c.Advance(1, Motion{Walk: -0.9, JumpTarget: 8, JumpProb: 0.9}, 1)
	require.NotEqual(t, pos, c.Position(1))
}

func TestPositionsStayInRange(t *testing.T) {
	c := newTestController(t, 1, Config{Inertia: 0.2, GateThreshold: 0.3})
	for i := 0; i < 200; i++ {
		p := c.Advance(0, Motion{Walk: float64(i%7) - 3.3, JumpTarget: float64(i*13) - 40, JumpProb: float64(i%10) / 10}, 1)
		require.GreaterOrEqual(t, p, 0.0)
		require.Less(t, p, 10.0)
	}
}

func TestResetSpread(t *testing.T) {
	c := newTestController(t, 4, Config{Init: InitSpread})
	require.Equal(t, []float64{0, 2.5, 5, 7.5}, c.Positions())
}

func TestNewControllerValidation(t *testing.T) {
	for _, cfg := range []Config{{Inertia: 1}, {Inertia: -0.1}, {Deadzone: -1}, {Init: "random"}} {
		_, err := NewController(1, 10, cfg)
		require.True(t, errors.Is(err, ErrInvalidConfig), "config %+v", cfg)
	}
	_, err := NewController(0, 10, Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHysteresisQuantizerHoldsAmbiguousBins(t *testing.T) {
	q := NewHysteresisQuantizer(1, 10)
	require.Equal(t, 3, q.Bin(0, 3.2))
	require.Equal(t, 3, q.Bin(0, 3.7), "floor and round disagree: hold")
	require.Equal(t, 3, q.Bin(0, 4.6), "still ambiguous: hold")
	require.Equal(t, 4, q.Bin(0, 4.4))
	require.Equal(t, 9, q.Bin(0, 9.1))
	require.Equal(t, 9, q.Bin(0, 9.9), "wrap point is ambiguous too")
	require.Equal(t, 0, q.Bin(0, 0.2))
}

func TestHysteresisQuantizerFirstEmissionIsFloor(t *testing.T) {
	q := NewHysteresisQuantizer(2, 10)
	require.Equal(t, 6, q.Bin(1, 6.8))
	q.Reset()
	require.Equal(t, 2, q.Bin(1, 2.9))
}
