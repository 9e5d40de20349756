package nn

import (
	"fmt"

	"ringroute/internal/model"
)

// Affine computes W·x + B for a dense layer.
func Affine(layer model.Dense, x []float64) ([]float64, error) {
	if len(x) != layer.Cols {
		return nil, fmt.Errorf("dense input mismatch: got %d want %d", len(x), layer.Cols)
	}
	if len(layer.W) != layer.Rows*layer.Cols || len(layer.B) != layer.Rows {
		return nil, fmt.Errorf("dense layer malformed: rows=%d cols=%d w=%d b=%d", layer.Rows, layer.Cols, len(layer.W), len(layer.B))
	}
	out := make([]float64, layer.Rows)
	for r := 0; r < layer.Rows; r++ {
		row := layer.W[r*layer.Cols : (r+1)*layer.Cols]
		total := layer.B[r]
		for c, w := range row {
			total += w * x[c]
		}
		out[r] = total
	}
	return out, nil
}

// Project evaluates a scalar head on h.
func Project(head model.Head, h []float64) (float64, error) {
	total, err := Dot(head.W, h)
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	return total + head.B, nil
}
