package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"ringroute/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned is the record header new checkpoints and log entries carry.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var checkpoint model.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return checkpoint, nil
}

// EncodeCheckpointHeader encodes everything except the shard arena.
func EncodeCheckpointHeader(c model.Checkpoint) ([]byte, error) {
	c.Shards = nil
	return json.Marshal(c)
}

func DecodeShard(data []byte) (model.ShardRecord, error) {
	var shard model.ShardRecord
	if err := json.Unmarshal(data, &shard); err != nil {
		return model.ShardRecord{}, err
	}
	return shard, nil
}

// EncodeShardBody encodes a shard without its lifecycle metadata, which
// backends that update metadata in place keep separately.
func EncodeShardBody(s model.ShardRecord) ([]byte, error) {
	s.Meta = model.ShardMeta{}
	return json.Marshal(s)
}

func EncodeShardMeta(m model.ShardMeta) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeShardMeta(data []byte) (model.ShardMeta, error) {
	var meta model.ShardMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.ShardMeta{}, err
	}
	return meta, nil
}

// HeaderOf strips shard parameters, keeping each shard's id and metadata.
func HeaderOf(c model.Checkpoint) model.Checkpoint {
	out := c
	out.RouterMap = append([]int(nil), c.RouterMap...)
	if c.Shards != nil {
		out.Shards = make([]model.ShardRecord, len(c.Shards))
		for i, shard := range c.Shards {
			out.Shards[i] = model.ShardRecord{ID: shard.ID, Meta: shard.Meta}
		}
	}
	return out
}

func EncodeRepartitionRecord(r model.RepartitionRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRepartitionRecord(data []byte) (model.RepartitionRecord, error) {
	var record model.RepartitionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.RepartitionRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.RepartitionRecord{}, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}

func checkMetaUpdate(c model.Checkpoint, metas []model.ShardMeta) error {
	if len(metas) != c.NumShards {
		return fmt.Errorf("checkpoint %s: %d shard metas for num_shards=%d", c.ID, len(metas), c.NumShards)
	}
	return nil
}

// checkShards verifies the arena is indexed by id and matches NumShards.
func checkShards(c model.Checkpoint) error {
	if len(c.Shards) != c.NumShards {
		return fmt.Errorf("checkpoint %s: num_shards=%d but %d shard records", c.ID, c.NumShards, len(c.Shards))
	}
	for i, shard := range c.Shards {
		if shard.ID != i {
			return fmt.Errorf("checkpoint %s: shard record %d has id %d", c.ID, i, shard.ID)
		}
	}
	return nil
}
