package router

import (
	"errors"
	"fmt"
	"math"

	"ringroute/internal/model"
)

var ErrUsageMismatch = errors.New("usage counters differ in shard count")

// Usage counts routed shard ids. Merge is associative and commutative, so
// per-worker counters can be reduced in any order.
type Usage struct {
	Counts []int64
}

func NewUsage(numShards int) Usage {
	return Usage{Counts: make([]int64, numShards)}
}

func (u *Usage) Add(shard int) {
	u.Counts[shard]++
}

func (u *Usage) Merge(other Usage) error {
	if len(other.Counts) != len(u.Counts) {
		return fmt.Errorf("%w: %d vs %d", ErrUsageMismatch, len(u.Counts), len(other.Counts))
	}
	for i, c := range other.Counts {
		u.Counts[i] += c
	}
	return nil
}

func (u *Usage) Reset() {
	clear(u.Counts)
}

func (u Usage) Total() int64 {
	var total int64
	for _, c := range u.Counts {
		total += c
	}
	return total
}

// Report derives the telemetry view. Entropy is normalized by ln(numShards);
// with a single shard it is 0.
func (u Usage) Report() model.UsageReport {
	report := model.UsageReport{Counts: append([]int64(nil), u.Counts...)}
	total := u.Total()
	report.Total = total
	if total == 0 {
		return report
	}

	var maxCount int64
	for _, c := range u.Counts {
		if c <= 0 {
			continue
		}
		report.ActiveCount++
		if c > maxCount {
			maxCount = c
		}
		p := float64(c) / float64(total)
		report.Entropy -= p * math.Log(p)
	}
	report.MaxShare = float64(maxCount) / float64(total)
	if n := len(u.Counts); n > 1 {
		report.NormalizedEntropy = report.Entropy / math.Log(float64(n))
	}
	return report
}
