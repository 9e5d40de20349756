package storage

import (
	"errors"
	"testing"

	"ringroute/internal/model"
)

func TestDecodeCheckpointRejectsVersionMismatch(t *testing.T) {
	c := testCheckpoint("c1", 0)
	c.SchemaVersion = CurrentSchemaVersion + 1
	payload, err := EncodeCheckpoint(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeCheckpoint(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeRepartitionRecordRejectsVersionMismatch(t *testing.T) {
	payload, err := EncodeRepartitionRecord(model.RepartitionRecord{CheckpointID: "c1", Operation: model.RepartitionOpMerge})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRepartitionRecord(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestEncodeCheckpointHeaderDropsShards(t *testing.T) {
	c := testCheckpoint("c1", 3)
	payload, err := EncodeCheckpointHeader(c)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	header, err := DecodeCheckpoint(payload)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if header.Shards != nil || header.NumShards != 2 || len(header.RouterMap) != 4 {
		t.Fatalf("unexpected header: %+v", header)
	}
	if len(c.Shards) != 2 {
		t.Fatal("encoding the header must not modify the caller's checkpoint")
	}
}
