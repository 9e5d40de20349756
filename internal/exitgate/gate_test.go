package exitgate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateFreezesOnceThresholdReached(t *testing.T) {
	g, err := New(2, 0.8, 0)
	require.NoError(t, err)

	require.False(t, g.Observe(0, 0.5))
	require.Equal(t, 1.0, g.Mask(0))
	require.True(t, g.Observe(0, 0.85))
	require.Equal(t, 0.0, g.Mask(0))

	// monotonic: a low confidence afterwards does not unfreeze
	require.True(t, g.Observe(0, 0.1))
	require.True(t, g.Frozen(0))
	require.False(t, g.Frozen(1))
	require.Equal(t, 1, g.Count())
}

func TestGateRunningScoreUsesEMA(t *testing.T) {
	g, err := New(1, 0.85, 0.5)
	require.NoError(t, err)
	g.Observe(0, 1.0)
	require.Equal(t, 1.0, g.Score(0), "first observation seeds the score")
	require.True(t, g.Frozen(0))

	g.Reset()
	g.Observe(0, 0.6)
	g.Observe(0, 1.0)
	require.InDelta(t, 0.8, g.Score(0), 1e-12)
	require.False(t, g.Frozen(0))
	g.Observe(0, 1.0)
	require.InDelta(t, 0.9, g.Score(0), 1e-12)
	require.True(t, g.Frozen(0))
}

func TestGateDisabled(t *testing.T) {
	g, err := New(1, 0, 0)
	require.NoError(t, err)
	require.False(t, g.Enabled())
	require.False(t, g.Observe(0, 1))
	require.Equal(t, 1.0, g.Mask(0))
}

func TestGateResetClearsFlags(t *testing.T) {
	g, err := New(3, 0.5, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		g.Observe(i, 0.9)
	}
	require.Equal(t, 3, g.Count())
	g.Reset()
	require.Equal(t, 0, g.Count())
	for i := 0; i < 3; i++ {
		require.Equal(t, 1.0, g.Mask(i))
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, 0.5, 0)
	require.Error(t, err)
	_, err = New(1, 0.5, 1)
	require.Error(t, err)
}
