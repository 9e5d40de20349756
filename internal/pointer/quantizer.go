package pointer

import "math"

// HysteresisQuantizer emits a discrete bin per sample for logging. When
// floor(p) and floor(p+0.5) disagree the previously emitted bin is held.
// It never feeds back into addressing.
type HysteresisQuantizer struct {
	ringLen int
	last    []int
	seen    []bool
}

func NewHysteresisQuantizer(batch, ringLen int) *HysteresisQuantizer {
	return &HysteresisQuantizer{
		ringLen: ringLen,
		last:    make([]int, batch),
		seen:    make([]bool, batch),
	}
}

func (q *HysteresisQuantizer) Bin(i int, p float64) int {
	lo := q.wrap(int(math.Floor(p)))
	hi := q.wrap(int(math.Floor(p + 0.5)))
	if lo == hi || !q.seen[i] {
		q.last[i] = lo
		q.seen[i] = true
	}
	return q.last[i]
}

func (q *HysteresisQuantizer) Reset() {
	clear(q.last)
	clear(q.seen)
}

func (q *HysteresisQuantizer) wrap(bin int) int {
	bin %= q.ringLen
	if bin < 0 {
		bin += q.ringLen
	}
	return bin
}
