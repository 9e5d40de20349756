// Package router maps ring addresses to shard ids through an explicit table
// and accumulates usage telemetry over the routed ids.
package router

import (
	"errors"
	"fmt"
	"math"
)

const (
	BinNearest = "nearest"
	BinFloor   = "floor"
)

var (
	ErrUnknownShard = errors.New("router entry references unknown shard")
	ErrInvalidMap   = errors.New("invalid router map")
)

// DefaultRouterMap assigns address i to shard i mod numShards.
func DefaultRouterMap(length, numShards int) []int {
	out := make([]int, length)
	for i := range out {
		out[i] = i % numShards
	}
	return out
}

// ValidateMap checks that every entry is a shard id in [0, numShards).
func ValidateMap(routerMap []int, numShards int) error {
	if len(routerMap) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidMap)
	}
	if numShards <= 0 {
		return fmt.Errorf("%w: shard count %d", ErrInvalidMap, numShards)
	}
	for addr, id := range routerMap {
		if id < 0 || id >= numShards {
			return fmt.Errorf("%w: address %d -> %d (shards=%d)", ErrUnknownShard, addr, id, numShards)
		}
	}
	return nil
}

// Router is read-only once built; all samples may route concurrently.
type Router struct {
	routerMap []int
	numShards int
	binMode   string
}

func New(routerMap []int, numShards int, binMode string) (*Router, error) {
	if err := ValidateMap(routerMap, numShards); err != nil {
		return nil, err
	}
	switch binMode {
	case "":
		binMode = BinNearest
	case BinNearest, BinFloor:
	default:
		return nil, fmt.Errorf("%w: unknown bin mode %q", ErrInvalidMap, binMode)
	}
	return &Router{
		routerMap: append([]int(nil), routerMap...),
		numShards: numShards,
		binMode:   binMode,
	}, nil
}

func (r *Router) NumShards() int { return r.numShards }
func (r *Router) Len() int       { return len(r.routerMap) }

func (r *Router) Map() []int {
	return append([]int(nil), r.routerMap...)
}

// Bin converts a continuous pointer to an integer address.
func (r *Router) Bin(p float64) int {
	var bin int
	if r.binMode == BinFloor {
		bin = int(math.Floor(p))
	} else {
		bin = int(math.Floor(p + 0.5))
	}
	n := len(r.routerMap)
	bin %= n
	if bin < 0 {
		bin += n
	}
	return bin
}

// Route returns the address bin for p and the shard that owns it.
func (r *Router) Route(p float64) (bin, shard int) {
	bin = r.Bin(p)
	return bin, r.routerMap[bin]
}

func (r *Router) Shard(addr int) (int, error) {
	if addr < 0 || addr >= len(r.routerMap) {
		return 0, fmt.Errorf("%w: address %d out of range", ErrInvalidMap, addr)
	}
	return r.routerMap[addr], nil
}

// Owned lists the addresses mapped to shard in ascending order.
func (r *Router) Owned(shard int) []int {
	return OwnedAddresses(r.routerMap, shard)
}

func OwnedAddresses(routerMap []int, shard int) []int {
	var out []int
	for addr, id := range routerMap {
		if id == shard {
			out = append(out, addr)
		}
	}
	return out
}
