package nn

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultShaperPeriod = 6 * math.Pi
	DefaultShaperRho    = 4.0

	// ShaperActivationName is the registry name of the default shaper.
	ShaperActivationName = "periodic"

	continuityTolerance = 1e-9
)

var ErrDiscontinuous = errors.New("periodic activation is discontinuous at its tails")

// Shaper is a bounded periodic bump inside (-l, l) with linear tails outside.
// Inside, u/pi is split into an integer cell n and a phase t; each cell
// contributes pi*(±h + rho*h²) with h = t(1-t), the sign alternating by cell
// parity.
type Shaper struct {
	period float64
	rho    float64
}

// NewShaper validates that the core meets the tails at ±period.
func NewShaper(period, rho float64) (Shaper, error) {
	if !(period > 0) || math.IsInf(period, 0) {
		return Shaper{}, fmt.Errorf("shaper period must be positive and finite, got %f", period)
	}
	if math.IsNaN(rho) || math.IsInf(rho, 0) {
		return Shaper{}, fmt.Errorf("shaper rho must be finite, got %f", rho)
	}
	s := Shaper{period: period, rho: rho}
	left, right := s.BoundaryGaps()
	if left > continuityTolerance || right > continuityTolerance {
		return Shaper{}, fmt.Errorf("%w: period=%f gap(+l)=%g gap(-l)=%g", ErrDiscontinuous, period, left, right)
	}
	return s, nil
}

func DefaultShaper() Shaper {
	return Shaper{period: DefaultShaperPeriod, rho: DefaultShaperRho}
}

func (s Shaper) Period() float64 { return s.period }
func (s Shaper) Rho() float64    { return s.rho }

func (s Shaper) Apply(u float64) float64 {
	switch {
	case u >= s.period:
		return u - s.period
	case u <= -s.period:
		return u + s.period
	default:
		scaled := u / math.Pi
		n := math.Floor(scaled)
		return s.cell(n, scaled-n)
	}
}

func (s Shaper) cell(n, t float64) float64 {
	h := t * (1 - t)
	sign := 1.0
	if math.Mod(n, 2) != 0 {
		sign = -1.0
	}
	return math.Pi * (sign*h + s.rho*h*h)
}

// BoundaryGaps returns |core - tail| for the left limit at +l and the right
// limit at -l. Both tails evaluate to 0 at the boundary.
func (s Shaper) BoundaryGaps() (atPositive, atNegative float64) {
	upper := s.period / math.Pi
	nUpper := math.Ceil(upper) - 1
	atPositive = math.Abs(s.cell(nUpper, upper-nUpper))

	lower := -s.period / math.Pi
	nLower := math.Floor(lower)
	atNegative = math.Abs(s.cell(nLower, lower-nLower))
	return atPositive, atNegative
}
