//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"ringroute/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the checkpoint header and each shard in separate rows so
// a lazy shard load reads exactly one row. Shard metadata has its own column
// so header reads and metadata updates never touch parameter payloads.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeCheckpoint(ctx, tx, checkpoint)
	})
}

func (s *SQLiteStore) ReplaceCheckpoint(ctx context.Context, checkpoint model.Checkpoint, expectedStep int64) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var step int64
		err := tx.QueryRowContext(ctx, `SELECT step FROM checkpoints WHERE id = ?`, checkpoint.ID).Scan(&step)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpoint.ID)
			}
			return err
		}
		if step != expectedStep {
			return fmt.Errorf("%w: %s at step %d, expected %d", ErrStaleCheckpoint, checkpoint.ID, step, expectedStep)
		}
		return writeCheckpoint(ctx, tx, checkpoint)
	})
}

func writeCheckpoint(ctx context.Context, tx *sql.Tx, checkpoint model.Checkpoint) error {
	header, err := EncodeCheckpointHeader(checkpoint)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, workload_id, step, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workload_id = excluded.workload_id,
			step = excluded.step,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, checkpoint.ID, checkpoint.WorkloadID, checkpoint.Step, checkpoint.SchemaVersion, checkpoint.CodecVersion, header)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM shards WHERE checkpoint_id = ?`, checkpoint.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO shards (checkpoint_id, shard_id, meta, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, shard := range checkpoint.Shards {
		payload, err := EncodeShardBody(shard)
		if err != nil {
			return err
		}
		meta, err := EncodeShardMeta(shard.Meta)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, checkpoint.ID, shard.ID, meta, payload); err != nil {
			return fmt.Errorf("write shard %d: %w", shard.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	checkpoint, ok, err := readCheckpointRow(ctx, db, id)
	if err != nil || !ok {
		return model.Checkpoint{}, ok, err
	}

	rows, err := db.QueryContext(ctx, `SELECT meta, payload FROM shards WHERE checkpoint_id = ? ORDER BY shard_id`, id)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var meta, payload []byte
		if err := rows.Scan(&meta, &payload); err != nil {
			return model.Checkpoint{}, false, err
		}
		shard, err := decodeShardRow(meta, payload)
		if err != nil {
			return model.Checkpoint{}, false, fmt.Errorf("decode shard of %s: %w", id, err)
		}
		checkpoint.Shards = append(checkpoint.Shards, shard)
	}
	if err := rows.Err(); err != nil {
		return model.Checkpoint{}, false, err
	}
	if err := checkShards(checkpoint); err != nil {
		return model.Checkpoint{}, false, err
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) GetCheckpointHeader(ctx context.Context, id string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	checkpoint, ok, err := readCheckpointRow(ctx, db, id)
	if err != nil || !ok {
		return model.Checkpoint{}, ok, err
	}

	rows, err := db.QueryContext(ctx, `SELECT shard_id, meta FROM shards WHERE checkpoint_id = ? ORDER BY shard_id`, id)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			shardID int
			payload []byte
		)
		if err := rows.Scan(&shardID, &payload); err != nil {
			return model.Checkpoint{}, false, err
		}
		meta, err := DecodeShardMeta(payload)
		if err != nil {
			return model.Checkpoint{}, false, fmt.Errorf("decode shard %d meta of %s: %w", shardID, id, err)
		}
		checkpoint.Shards = append(checkpoint.Shards, model.ShardRecord{ID: shardID, Meta: meta})
	}
	if err := rows.Err(); err != nil {
		return model.Checkpoint{}, false, err
	}
	if err := checkShards(checkpoint); err != nil {
		return model.Checkpoint{}, false, err
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) UpdateShardMeta(ctx context.Context, id string, step int64, metas []model.ShardMeta, expectedStep int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var payload []byte
		err := tx.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id).Scan(&payload)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
			}
			return err
		}
		checkpoint, err := DecodeCheckpoint(payload)
		if err != nil {
			return fmt.Errorf("decode checkpoint %s: %w", id, err)
		}
		if checkpoint.Step != expectedStep {
			return fmt.Errorf("%w: %s at step %d, expected %d", ErrStaleCheckpoint, id, checkpoint.Step, expectedStep)
		}
		if err := checkMetaUpdate(checkpoint, metas); err != nil {
			return err
		}

		checkpoint.Step = step
		header, err := EncodeCheckpointHeader(checkpoint)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE checkpoints SET step = ?, payload = ? WHERE id = ?`, step, header, id); err != nil {
			return err
		}
		for shardID, meta := range metas {
			encoded, err := EncodeShardMeta(meta)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `UPDATE shards SET meta = ? WHERE checkpoint_id = ? AND shard_id = ?`, encoded, id, shardID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return fmt.Errorf("%w: shard %d in checkpoint %s", ErrNotFound, shardID, id)
			}
		}
		return nil
	})
}

func readCheckpointRow(ctx context.Context, db *sql.DB, id string) (model.Checkpoint, bool, error) {
	var payload []byte
	err := db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return checkpoint, true, nil
}

func decodeShardRow(meta, payload []byte) (model.ShardRecord, error) {
	shard, err := DecodeShard(payload)
	if err != nil {
		return model.ShardRecord{}, err
	}
	shard.Meta, err = DecodeShardMeta(meta)
	if err != nil {
		return model.ShardRecord{}, err
	}
	return shard, nil
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, query := range []string{
			`DELETE FROM shards WHERE checkpoint_id = ?`,
			`DELETE FROM repartition_log WHERE checkpoint_id = ?`,
			`DELETE FROM checkpoints WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]model.CheckpointSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM checkpoints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CheckpointSummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		checkpoint, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Summarize(checkpoint))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadShard(ctx context.Context, checkpointID string, shardID int) (model.ShardRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ShardRecord{}, err
	}

	var meta, payload []byte
	err = db.QueryRowContext(ctx, `SELECT meta, payload FROM shards WHERE checkpoint_id = ? AND shard_id = ?`, checkpointID, shardID).Scan(&meta, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ShardRecord{}, fmt.Errorf("%w: shard %d in checkpoint %s", ErrNotFound, shardID, checkpointID)
		}
		return model.ShardRecord{}, err
	}
	return decodeShardRow(meta, payload)
}

func (s *SQLiteStore) AppendRepartitionRecord(ctx context.Context, record model.RepartitionRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRepartitionRecord(record)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO repartition_log (checkpoint_id, payload) VALUES (?, ?)`, record.CheckpointID, payload)
	return err
}

func (s *SQLiteStore) GetRepartitionLog(ctx context.Context, checkpointID string) ([]model.RepartitionRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM repartition_log WHERE checkpoint_id = ? ORDER BY seq`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.RepartitionRecord{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		record, err := DecodeRepartitionRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("decode repartition record of %s: %w", checkpointID, err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			workload_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS shards (
			checkpoint_id TEXT NOT NULL,
			shard_id INTEGER NOT NULL,
			meta BLOB NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (checkpoint_id, shard_id)
		);
		CREATE TABLE IF NOT EXISTS repartition_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
