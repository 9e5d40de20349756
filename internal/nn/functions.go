package nn

import (
	"fmt"
	"math"
)

// SaturationWithSpread clamps values to the symmetric range [-spread, spread].
func SaturationWithSpread(value, spread float64) float64 {
	if spread < 0 {
		spread = -spread
	}
	if value > spread {
		return spread
	}
	if value < -spread {
		return -spread
	}
	return value
}

// Sat clamps value to [min, max].
func Sat(value, max, min float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

// SatDeadZone clamps value to [min, max] while zeroing values inside dead-zone bounds.
func SatDeadZone(value, max, min, deadZoneMax, deadZoneMin float64) float64 {
	if value < deadZoneMax && value > deadZoneMin {
		return 0
	}
	return Sat(value, max, min)
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Softmax returns a new slice; the max logit is subtracted first.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxValue := math.Inf(-1)
	for _, v := range logits {
		if v > maxValue {
			maxValue = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxValue)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Dot returns the inner product of two equal-length vectors.
func Dot(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum, nil
}
