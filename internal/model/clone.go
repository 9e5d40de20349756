package model

func CloneDense(d Dense) Dense {
	out := d
	out.W = append([]float64(nil), d.W...)
	out.B = append([]float64(nil), d.B...)
	return out
}

func CloneHead(h Head) Head {
	out := h
	out.W = append([]float64(nil), h.W...)
	return out
}

func CloneShardParams(p ShardParams) ShardParams {
	return ShardParams{
		Gate:      CloneDense(p.Gate),
		Candidate: CloneDense(p.Candidate),
		Jump:      CloneHead(p.Jump),
		Walk:      CloneHead(p.Walk),
		JumpGate:  CloneHead(p.JumpGate),
		Readout:   CloneDense(p.Readout),
	}
}

func CloneShard(s ShardRecord) ShardRecord {
	out := s
	out.Params = CloneShardParams(s.Params)
	return out
}

// CloneCheckpoint returns a deep copy; no slice is shared with the input.
func CloneCheckpoint(c Checkpoint) Checkpoint {
	out := c
	out.RouterMap = append([]int(nil), c.RouterMap...)
	if c.Shards != nil {
		out.Shards = make([]ShardRecord, len(c.Shards))
		for i, shard := range c.Shards {
			out.Shards[i] = CloneShard(shard)
		}
	}
	return out
}

func CloneRepartitionRecords(records []RepartitionRecord) []RepartitionRecord {
	out := make([]RepartitionRecord, len(records))
	for i, record := range records {
		out[i] = record
		out[i].Addresses = append([]int(nil), record.Addresses...)
	}
	return out
}

func Summarize(c Checkpoint) CheckpointSummary {
	return CheckpointSummary{
		ID:         c.ID,
		WorkloadID: c.WorkloadID,
		Step:       c.Step,
		NumShards:  c.NumShards,
		RingLength: c.Ring.Length,
	}
}
