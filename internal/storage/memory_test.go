package storage

import (
	"context"
	"testing"
)

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	input := testCheckpoint("c1", 0)
	if err := store.SaveCheckpoint(ctx, input); err != nil {
		t.Fatalf("save: %v", err)
	}
	input.RouterMap[0] = 1

	got, _, err := store.GetCheckpoint(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RouterMap[0] != 0 {
		t.Fatal("stored checkpoint aliases caller slice")
	}
	got.Shards[0].Params.Gate.W[0] = 42

	shard, err := store.LoadShard(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("load shard: %v", err)
	}
	if shard.Params.Gate.W[0] == 42 {
		t.Fatal("returned checkpoint aliases stored shard params")
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveCheckpoint(context.Background(), testCheckpoint("c1", 0)); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}
