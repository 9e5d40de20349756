package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RingParams are the structural parameters a checkpoint was built with.
type RingParams struct {
	Length   int `json:"ring_len"`
	SlotDim  int `json:"slot_dim"`
	InputDim int `json:"input_dim"`
	Classes  int `json:"classes"`
	Window   int `json:"window"`
}

// Dense is a row-major affine layer: out = W·x + B, W has Rows×Cols entries.
type Dense struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	W    []float64 `json:"w"`
	B    []float64 `json:"b"`
}

// Head is a scalar projection of the hidden vector.
type Head struct {
	W []float64 `json:"w"`
	B float64   `json:"b"`
}

type ShardParams struct {
	Gate      Dense `json:"gate"`
	Candidate Dense `json:"candidate"`
	Jump      Head  `json:"jump"`
	Walk      Head  `json:"walk"`
	JumpGate  Head  `json:"jump_gate"`
	Readout   Dense `json:"readout"`
}

type ShardMeta struct {
	CreatedStep  int64   `json:"created_step"`
	LastUsedStep int64   `json:"last_used_step"`
	Contrib      float64 `json:"contrib"`
	Tenured      bool    `json:"tenured"`
}

// ShardRecord is one entry of the shard arena. ID always equals the record's
// index in Checkpoint.Shards.
type ShardRecord struct {
	ID     int         `json:"id"`
	Meta   ShardMeta   `json:"meta"`
	Params ShardParams `json:"params"`
}

// Scalars are run-level dynamics persisted alongside the structure.
type Scalars struct {
	UpdateScale float64 `json:"update_scale"`
	PtrInertia  float64 `json:"ptr_inertia"`
}

type Checkpoint struct {
	VersionedRecord
	ID         string        `json:"id"`
	WorkloadID string        `json:"workload_id"`
	Step       int64         `json:"step"`
	Ring       RingParams    `json:"ring"`
	Scalars    Scalars       `json:"scalars"`
	NumShards  int           `json:"num_shards"`
	RouterMap  []int         `json:"router_map"`
	Shards     []ShardRecord `json:"shards,omitempty"`
}

// CheckpointSummary is the lightweight listing form of a checkpoint.
type CheckpointSummary struct {
	ID         string `json:"id"`
	WorkloadID string `json:"workload_id"`
	Step       int64  `json:"step"`
	NumShards  int    `json:"num_shards"`
	RingLength int    `json:"ring_len"`
}

// UsageReport is the telemetry emitted once per reporting window.
type UsageReport struct {
	Counts            []int64 `json:"usage_counts"`
	Total             int64   `json:"total"`
	Entropy           float64 `json:"entropy"`
	NormalizedEntropy float64 `json:"normalized_entropy"`
	MaxShare          float64 `json:"max_share"`
	ActiveCount       int     `json:"active_count"`
}

// Arc is a contiguous, possibly wrapping, range of ring addresses.
type Arc struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// RepartitionMeta is produced by external analysis and drives a split.
type RepartitionMeta struct {
	HotArc       Arc   `json:"hot_arc"`
	HotAddresses []int `json:"hot_addresses"`
	ParentExpert int   `json:"parent_expert"`
}

const (
	RepartitionOpSplit = "split"
	RepartitionOpMerge = "merge"
)

type RepartitionRecord struct {
	VersionedRecord
	CheckpointID    string `json:"checkpoint_id"`
	Operation       string `json:"operation"`
	Step            int64  `json:"step"`
	Parent          int    `json:"parent,omitempty"`
	NewShard        int    `json:"new_shard,omitempty"`
	Victim          int    `json:"victim,omitempty"`
	Target          int    `json:"target,omitempty"`
	Addresses       []int  `json:"addresses,omitempty"`
	NumShardsBefore int    `json:"num_shards_before"`
	NumShardsAfter  int    `json:"num_shards_after"`
	CommittedAtUTC  string `json:"committed_at_utc"`
}
