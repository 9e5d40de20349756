package repartition

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ringroute/internal/model"
	"ringroute/internal/router"
)

func fixture(routerMap []int, numShards int) model.Checkpoint {
	shards := make([]model.ShardRecord, numShards)
	for i := range shards {
		shards[i] = model.ShardRecord{
			ID:   i,
			Meta: model.ShardMeta{CreatedStep: 1, LastUsedStep: 5, Contrib: float64(i) + 0.5},
			Params: model.ShardParams{
				Gate: model.Dense{Rows: 1, Cols: 2, W: []float64{float64(i), 1}, B: []float64{0}},
				Jump: model.Head{W: []float64{0.25}, B: float64(i)},
			},
		}
	}
	return model.Checkpoint{
		ID:        "ckpt",
		Step:      40,
		Ring:      model.RingParams{Length: len(routerMap), SlotDim: 1, Window: 3},
		NumShards: numShards,
		RouterMap: append([]int(nil), routerMap...),
		Shards:    shards,
	}
}

func TestSplitReassignsHotArc(t *testing.T) {
	before := fixture([]int{0, 0, 0, 0, 1, 1, 1, 1}, 2)
	after, err := Split(before, SplitRequest{Parent: 0, HotAddresses: []int{2, 3}, Step: 40})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if diff := cmp.Diff([]int{0, 0, 2, 2, 1, 1, 1, 1}, after.RouterMap); diff != "" {
		t.Fatalf("router map mismatch (-want +got):\n%s", diff)
	}
	if after.NumShards != 3 || len(after.Shards) != 3 {
		t.Fatalf("expected 3 shards, got num=%d records=%d", after.NumShards, len(after.Shards))
	}

	child := after.Shards[2]
	if child.ID != 2 {
		t.Fatalf("expected child id 2, got %d", child.ID)
	}
	if diff := cmp.Diff(model.ShardMeta{CreatedStep: 40, LastUsedStep: 40}, child.Meta); diff != "" {
		t.Fatalf("child meta mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before.Shards[0].Params, child.Params); diff != "" {
		t.Fatalf("child must clone parent params (-want +got):\n%s", diff)
	}
	child.Params.Gate.W[0] = 99
	if after.Shards[0].Params.Gate.W[0] == 99 || before.Shards[0].Params.Gate.W[0] == 99 {
		t.Fatal("child params alias the parent")
	}
	if diff := cmp.Diff([]int{0, 0, 0, 0, 1, 1, 1, 1}, before.RouterMap); diff != "" {
		t.Fatalf("input checkpoint mutated:\n%s", diff)
	}
}

func TestMergeRestoresRouterMap(t *testing.T) {
	split, err := Split(fixture([]int{0, 0, 0, 0, 1, 1, 1, 1}, 2), SplitRequest{Parent: 0, HotAddresses: []int{2, 3}})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	merged, err := Merge(split, MergeRequest{Victim: 2, Target: 0})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if diff := cmp.Diff([]int{0, 0, 0, 0, 1, 1, 1, 1}, merged.RouterMap); diff != "" {
		t.Fatalf("router map mismatch (-want +got):\n%s", diff)
	}
	if merged.NumShards != 2 {
		t.Fatalf("expected 2 shards, got %d", merged.NumShards)
	}
}

func TestSplitThenMergeIsIdentity(t *testing.T) {
	cases := []struct {
		routerMap []int
		shards    int
		parent    int
		hot       []int
	}{
		{routerMap: []int{0, 0, 0, 0, 1, 1, 1, 1}, shards: 2, parent: 1, hot: []int{5}},
		{routerMap: router.DefaultRouterMap(8, 1), shards: 1, parent: 0, hot: []int{7, 0, 1}},
		{routerMap: []int{2, 2, 0, 0, 1, 1, 2, 2}, shards: 3, parent: 2, hot: []int{6, 7, 0}},
	}
	for _, tc := range cases {
		before := fixture(tc.routerMap, tc.shards)
		split, err := Split(before, SplitRequest{Parent: tc.parent, HotAddresses: tc.hot, Step: 77})
		if err != nil {
			t.Fatalf("split %v: %v", tc.hot, err)
		}
		merged, err := Merge(split, MergeRequest{Victim: tc.shards, Target: tc.parent})
		if err != nil {
			t.Fatalf("merge after split %v: %v", tc.hot, err)
		}
		if diff := cmp.Diff(before, merged); diff != "" {
			t.Fatalf("split+merge is not identity (-want +got):\n%s", diff)
		}
	}
}

func TestSplitMayTakeWholeParent(t *testing.T) {
	before := fixture([]int{0, 0, 0, 0, 1, 1, 1, 1}, 2)
	split, err := Split(before, SplitRequest{Parent: 1, HotAddresses: []int{4, 5, 6, 7}, Step: 9})
	if err != nil {
		t.Fatalf("split whole parent: %v", err)
	}
	if diff := cmp.Diff([]int{0, 0, 0, 0, 2, 2, 2, 2}, split.RouterMap); diff != "" {
		t.Fatalf("router map mismatch (-want +got):\n%s", diff)
	}
	if owned := router.OwnedAddresses(split.RouterMap, 1); len(owned) != 0 {
		t.Fatalf("parent should own nothing, owns %v", owned)
	}
	if err := ValidateCheckpoint(split); err != nil {
		t.Fatalf("split result invalid: %v", err)
	}
	merged, err := Merge(split, MergeRequest{Victim: 2, Target: 1})
	if err != nil {
		t.Fatalf("merge back: %v", err)
	}
	if diff := cmp.Diff(before, merged); diff != "" {
		t.Fatalf("split+merge is not identity (-want +got):\n%s", diff)
	}
}

func TestSplitRejectionsLeaveCheckpointUnchanged(t *testing.T) {
	cases := []struct {
		name string
		req  SplitRequest
		want error
	}{
		{name: "non contiguous", req: SplitRequest{Parent: 0, HotAddresses: []int{0, 2}}, want: ErrNotContiguous},
		{name: "not owned", req: SplitRequest{Parent: 0, HotAddresses: []int{3, 4}}, want: ErrNotOwned},
		{name: "out of range", req: SplitRequest{Parent: 0, HotAddresses: []int{8}}, want: ErrNotOwned},
		{name: "duplicate", req: SplitRequest{Parent: 0, HotAddresses: []int{1, 1}}, want: ErrNotContiguous},
		{name: "empty", req: SplitRequest{Parent: 0}, want: ErrEmptyHotSet},
		{name: "unknown parent", req: SplitRequest{Parent: 5, HotAddresses: []int{1}}, want: router.ErrUnknownShard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := fixture([]int{0, 0, 0, 0, 1, 1, 1, 1}, 2)
			snapshot := model.CloneCheckpoint(before)
			_, err := Split(before, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if diff := cmp.Diff(snapshot, before); diff != "" {
				t.Fatalf("rejected split mutated checkpoint:\n%s", diff)
			}
		})
	}
}

func TestMergeRejections(t *testing.T) {
	base := fixture([]int{0, 0, 2, 2, 1, 1, 1, 1}, 3)
	tenured := model.CloneCheckpoint(base)
	tenured.Shards[2].Meta.Tenured = true

	cases := []struct {
		name string
		ckpt model.Checkpoint
		req  MergeRequest
		want error
	}{
		{name: "not highest", ckpt: base, req: MergeRequest{Victim: 1, Target: 0}, want: ErrNotHighestShard},
		{name: "self target", ckpt: base, req: MergeRequest{Victim: 2, Target: 2}, want: ErrInvalidTarget},
		{name: "negative target", ckpt: base, req: MergeRequest{Victim: 2, Target: -1}, want: ErrInvalidTarget},
		{name: "tenured", ckpt: tenured, req: MergeRequest{Victim: 2, Target: 0}, want: ErrTenured},
		{name: "single shard", ckpt: fixture([]int{0, 0}, 1), req: MergeRequest{Victim: 0, Target: 0}, want: ErrInvalidTarget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snapshot := model.CloneCheckpoint(tc.ckpt)
			_, err := Merge(tc.ckpt, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if diff := cmp.Diff(snapshot, tc.ckpt); diff != "" {
				t.Fatalf("rejected merge mutated checkpoint:\n%s", diff)
			}
		})
	}
}

func TestValidateCheckpoint(t *testing.T) {
	good := fixture([]int{0, 1, 0, 1}, 2)
	if err := ValidateCheckpoint(good); err != nil {
		t.Fatalf("valid checkpoint rejected: %v", err)
	}

	short := model.CloneCheckpoint(good)
	short.RouterMap = short.RouterMap[:3]
	unknown := model.CloneCheckpoint(good)
	unknown.RouterMap[2] = 4
	count := model.CloneCheckpoint(good)
	count.NumShards = 3
	ids := model.CloneCheckpoint(good)
	ids.Shards[1].ID = 0

	for name, c := range map[string]model.Checkpoint{"short": short, "unknown": unknown, "count": count, "ids": ids} {
		if err := ValidateCheckpoint(c); !errors.Is(err, ErrInvalidCheckpoint) {
			t.Fatalf("%s: expected ErrInvalidCheckpoint, got %v", name, err)
		}
	}
	if err := ValidateCheckpoint(unknown); !errors.Is(err, router.ErrUnknownShard) {
		t.Fatalf("expected wrapped ErrUnknownShard, got %v", err)
	}
}

func TestIsContiguous(t *testing.T) {
	cases := []struct {
		addrs []int
		want  bool
	}{
		{[]int{3}, true},
		{[]int{2, 3, 4}, true},
		{[]int{4, 2, 3}, true},
		{[]int{7, 0}, true},
		{[]int{6, 7, 0, 1}, true},
		{[]int{0, 1, 2, 3, 4, 5, 6, 7}, true},
		{[]int{0, 2}, false},
		{[]int{6, 0, 1}, false},
		{[]int{1, 1}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsContiguous(tc.addrs, 8); got != tc.want {
			t.Fatalf("IsContiguous(%v) = %v, want %v", tc.addrs, got, tc.want)
		}
	}
}

func TestFromMeta(t *testing.T) {
	c := fixture([]int{0, 0, 0, 0, 1, 1, 1, 1}, 2)

	req, err := FromMeta(c, model.RepartitionMeta{HotArc: model.Arc{Start: 2, Length: 4}, ParentExpert: 0}, 9)
	if err != nil {
		t.Fatalf("from meta: %v", err)
	}
	if diff := cmp.Diff(SplitRequest{Parent: 0, HotAddresses: []int{2, 3}, Step: 9}, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	req, err = FromMeta(c, model.RepartitionMeta{HotArc: model.Arc{Start: 7, Length: 3}, HotAddresses: []int{7}, ParentExpert: 1}, 9)
	if err != nil {
		t.Fatalf("from meta explicit: %v", err)
	}
	if diff := cmp.Diff([]int{7}, req.HotAddresses); diff != "" {
		t.Fatalf("hot addresses mismatch:\n%s", diff)
	}

	_, err = FromMeta(c, model.RepartitionMeta{HotArc: model.Arc{Start: 2, Length: 2}, HotAddresses: []int{4}}, 0)
	if !errors.Is(err, ErrOutsideArc) {
		t.Fatalf("expected ErrOutsideArc, got %v", err)
	}
	_, err = FromMeta(c, model.RepartitionMeta{HotArc: model.Arc{Start: 0, Length: 9}}, 0)
	if !errors.Is(err, ErrOutsideArc) {
		t.Fatalf("expected ErrOutsideArc for oversized arc, got %v", err)
	}
}
