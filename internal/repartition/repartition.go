// Package repartition edits the router map and shard arena of a checkpoint
// between runs. Every edit validates first and returns a new checkpoint; the
// input is never mutated, so a rejected edit leaves nothing to roll back.
package repartition

import (
	"errors"
	"fmt"
	"sort"

	"ringroute/internal/model"
	"ringroute/internal/router"
)

var (
	ErrNotContiguous     = errors.New("hot addresses are not a single contiguous arc")
	ErrNotOwned          = errors.New("hot address not owned by parent shard")
	ErrNotHighestShard   = errors.New("only the highest shard id can be merged away")
	ErrInvalidTarget     = errors.New("invalid merge target")
	ErrEmptyHotSet       = errors.New("hot address set is empty")
	ErrTenured           = errors.New("shard is tenured")
	ErrOutsideArc        = errors.New("hot address outside hot arc")
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

type SplitRequest struct {
	Parent       int
	HotAddresses []int
	// Step is recorded as the new shard's created and last-used step.
	Step int64
}

type MergeRequest struct {
	Victim int
	Target int
}

// ValidateCheckpoint checks the structural invariants every edit relies on.
func ValidateCheckpoint(c model.Checkpoint) error {
	if c.Ring.Length <= 0 {
		return fmt.Errorf("%w: ring length %d", ErrInvalidCheckpoint, c.Ring.Length)
	}
	if len(c.RouterMap) != c.Ring.Length {
		return fmt.Errorf("%w: router map covers %d addresses, ring has %d", ErrInvalidCheckpoint, len(c.RouterMap), c.Ring.Length)
	}
	if c.NumShards != len(c.Shards) {
		return fmt.Errorf("%w: num_shards=%d but %d shard records", ErrInvalidCheckpoint, c.NumShards, len(c.Shards))
	}
	for i, shard := range c.Shards {
		if shard.ID != i {
			return fmt.Errorf("%w: shard record %d has id %d", ErrInvalidCheckpoint, i, shard.ID)
		}
	}
	if err := router.ValidateMap(c.RouterMap, c.NumShards); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCheckpoint, err)
	}
	return nil
}

// Split clones parent into a new shard with id NumShards and hands it the hot
// addresses. All other router entries are untouched. A hot set covering the
// whole parent is allowed; the parent then owns no addresses.
func Split(c model.Checkpoint, req SplitRequest) (model.Checkpoint, error) {
	if err := ValidateCheckpoint(c); err != nil {
		return model.Checkpoint{}, err
	}
	if req.Parent < 0 || req.Parent >= c.NumShards {
		return model.Checkpoint{}, fmt.Errorf("%w: parent %d (shards=%d)", router.ErrUnknownShard, req.Parent, c.NumShards)
	}
	if len(req.HotAddresses) == 0 {
		return model.Checkpoint{}, ErrEmptyHotSet
	}
	length := c.Ring.Length
	seen := make(map[int]struct{}, len(req.HotAddresses))
	for _, addr := range req.HotAddresses {
		if addr < 0 || addr >= length {
			return model.Checkpoint{}, fmt.Errorf("%w: address %d outside ring of length %d", ErrNotOwned, addr, length)
		}
		if _, dup := seen[addr]; dup {
			return model.Checkpoint{}, fmt.Errorf("%w: duplicate address %d", ErrNotContiguous, addr)
		}
		seen[addr] = struct{}{}
		if owner := c.RouterMap[addr]; owner != req.Parent {
			return model.Checkpoint{}, fmt.Errorf("%w: address %d belongs to shard %d, not %d", ErrNotOwned, addr, owner, req.Parent)
		}
	}
	if !IsContiguous(req.HotAddresses, length) {
		return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrNotContiguous, req.HotAddresses)
	}

	out := model.CloneCheckpoint(c)
	newID := c.NumShards
	child := model.CloneShard(c.Shards[req.Parent])
	child.ID = newID
	child.Meta = model.ShardMeta{
		CreatedStep:  req.Step,
		LastUsedStep: req.Step,
	}
	out.Shards = append(out.Shards, child)
	for _, addr := range req.HotAddresses {
		out.RouterMap[addr] = newID
	}
	out.NumShards++
	return out, nil
}

// Merge removes the highest shard and reassigns its addresses to target.
func Merge(c model.Checkpoint, req MergeRequest) (model.Checkpoint, error) {
	if err := ValidateCheckpoint(c); err != nil {
		return model.Checkpoint{}, err
	}
	if c.NumShards < 2 {
		return model.Checkpoint{}, fmt.Errorf("%w: cannot merge with %d shard", ErrInvalidTarget, c.NumShards)
	}
	highest := c.NumShards - 1
	if req.Victim != highest {
		return model.Checkpoint{}, fmt.Errorf("%w: victim %d, highest %d", ErrNotHighestShard, req.Victim, highest)
	}
	if req.Target < 0 || req.Target >= req.Victim {
		return model.Checkpoint{}, fmt.Errorf("%w: target %d for victim %d", ErrInvalidTarget, req.Target, req.Victim)
	}
	if c.Shards[req.Victim].Meta.Tenured {
		return model.Checkpoint{}, fmt.Errorf("%w: %d", ErrTenured, req.Victim)
	}

	out := model.CloneCheckpoint(c)
	for addr, id := range out.RouterMap {
		if id == req.Victim {
			out.RouterMap[addr] = req.Target
		}
	}
	out.Shards = out.Shards[:highest]
	out.NumShards--
	return out, nil
}

// IsContiguous reports whether addrs form one arc on a ring of the given
// length. The arc may wrap past length-1 back to 0. Duplicates are not
// contiguous.
func IsContiguous(addrs []int, length int) bool {
	if len(addrs) == 0 || len(addrs) > length {
		return false
	}
	sorted := append([]int(nil), addrs...)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return false
		}
	}
	if len(sorted) == length {
		return true
	}
	gaps := 0
	for i := range sorted {
		next := sorted[(i+1)%len(sorted)]
		step := next - sorted[i]
		if step <= 0 {
			step += length
		}
		if step != 1 {
			gaps++
		}
	}
	// a single arc leaves exactly one gap when walking the sorted set around the ring
	return gaps == 1
}

// FromMeta turns an external repartition meta record into a split request.
// An empty HotAddresses selects every parent-owned address inside the arc.
func FromMeta(c model.Checkpoint, meta model.RepartitionMeta, step int64) (SplitRequest, error) {
	if err := ValidateCheckpoint(c); err != nil {
		return SplitRequest{}, err
	}
	length := c.Ring.Length
	arc := meta.HotArc
	if arc.Length <= 0 || arc.Length > length || arc.Start < 0 || arc.Start >= length {
		return SplitRequest{}, fmt.Errorf("%w: arc start=%d length=%d on ring %d", ErrOutsideArc, arc.Start, arc.Length, length)
	}
	inArc := make(map[int]struct{}, arc.Length)
	arcAddrs := make([]int, 0, arc.Length)
	for k := 0; k < arc.Length; k++ {
		addr := (arc.Start + k) % length
		inArc[addr] = struct{}{}
		arcAddrs = append(arcAddrs, addr)
	}

	req := SplitRequest{Parent: meta.ParentExpert, Step: step}
	if len(meta.HotAddresses) == 0 {
		for _, addr := range arcAddrs {
			if c.RouterMap[addr] == meta.ParentExpert {
				req.HotAddresses = append(req.HotAddresses, addr)
			}
		}
		return req, nil
	}
	for _, addr := range meta.HotAddresses {
		if _, ok := inArc[addr]; !ok {
			return SplitRequest{}, fmt.Errorf("%w: address %d not in arc start=%d length=%d", ErrOutsideArc, addr, arc.Start, arc.Length)
		}
	}
	req.HotAddresses = append([]int(nil), meta.HotAddresses...)
	return req, nil
}
