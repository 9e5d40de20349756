package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ringroute/internal/model"
)

const (
	systemDir      = "system"
	expertsDir     = "experts"
	routerFile     = "router.json"
	expertMetaFile = "meta.json"
	logDir         = "repartition"
	stagingPrefix  = ".staging-"
	retiredPrefix  = ".retired-"
)

type expertFile struct {
	ID     int               `json:"id"`
	Params model.ShardParams `json:"params"`
}

type expertMeta struct {
	ID           int     `json:"id"`
	Tenured      bool    `json:"tenured"`
	CreatedStep  int64   `json:"created_step"`
	LastUsedStep int64   `json:"last_used_step"`
	Contrib      float64 `json:"contrib"`
}

// DirStore keeps one directory per checkpoint in the modular layout:
//
//	<root>/<id>/system/router.json
//	<root>/<id>/experts/expert_000.json ...
//	<root>/<id>/experts/meta.json
//
// Writes build a staging directory next to the target and rename it into
// place, so readers see either the old checkpoint or the new one.
type DirStore struct {
	root string
	mu   sync.RWMutex
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Init creates the root and finishes any swap a crash interrupted: a retired
// directory whose target is missing is moved back, and staging directories
// are removed.
func (s *DirStore) Init(_ context.Context) error {
	if s.root == "" {
		return errors.New("dir store root is required")
	}
	if err := os.MkdirAll(filepath.Join(s.root, logDir), 0o755); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recoverSwaps()
}

func (s *DirStore) recoverSwaps() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, retiredPrefix) {
			continue
		}
		retired := filepath.Join(s.root, name)
		header, ok, err := readHeader(retired)
		if err != nil || !ok {
			continue
		}
		target, err := s.checkpointDir(header.ID)
		if err != nil {
			continue
		}
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(retired, target); err != nil {
				return fmt.Errorf("restore %s: %w", header.ID, err)
			}
			continue
		}
		if err := os.RemoveAll(retired); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), stagingPrefix) {
			if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *DirStore) checkpointDir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") || id == logDir {
		return "", fmt.Errorf("invalid checkpoint id %q", id)
	}
	return filepath.Join(s.root, id), nil
}

func (s *DirStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.swapIn(ctx, checkpoint)
}

func (s *DirStore) ReplaceCheckpoint(ctx context.Context, checkpoint model.Checkpoint, expectedStep int64) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.checkpointDir(checkpoint.ID)
	if err != nil {
		return err
	}
	current, ok, err := readHeader(dir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpoint.ID)
	}
	if current.Step != expectedStep {
		return fmt.Errorf("%w: %s at step %d, expected %d", ErrStaleCheckpoint, checkpoint.ID, current.Step, expectedStep)
	}
	return s.swapIn(ctx, checkpoint)
}

func (s *DirStore) swapIn(ctx context.Context, checkpoint model.Checkpoint) error {
	target, err := s.checkpointDir(checkpoint.ID)
	if err != nil {
		return err
	}
	staging, err := os.MkdirTemp(s.root, stagingPrefix+checkpoint.ID+"-")
	if err != nil {
		return err
	}
	if err := WriteModular(ctx, staging, checkpoint); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	var retired string
	if _, err := os.Stat(target); err == nil {
		retired = filepath.Join(s.root, retiredPrefix+filepath.Base(staging))
		if err := os.Rename(target, retired); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
	}
	if err := os.Rename(staging, target); err != nil {
		if retired != "" {
			_ = os.Rename(retired, target)
		}
		_ = os.RemoveAll(staging)
		return err
	}
	if retired != "" {
		return os.RemoveAll(retired)
	}
	return nil
}

// WriteModular writes checkpoint into dir using the modular layout. dir is
// created if missing.
func WriteModular(ctx context.Context, dir string, checkpoint model.Checkpoint) error {
	if err := checkShards(checkpoint); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, systemDir), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, expertsDir), 0o755); err != nil {
		return err
	}

	header, err := EncodeCheckpointHeader(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, systemDir, routerFile), header, 0o644); err != nil {
		return err
	}

	metas := make([]model.ShardMeta, 0, len(checkpoint.Shards))
	for _, shard := range checkpoint.Shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(expertFile{ID: shard.ID, Params: shard.Params})
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, expertsDir, expertFileName(shard.ID)), payload, 0o644); err != nil {
			return err
		}
		metas = append(metas, shard.Meta)
	}
	payload, err := encodeExpertMeta(metas)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, expertsDir, expertMetaFile), payload, 0o644)
}

func encodeExpertMeta(metas []model.ShardMeta) ([]byte, error) {
	out := make([]expertMeta, len(metas))
	for id, meta := range metas {
		out[id] = expertMeta{
			ID:           id,
			Tenured:      meta.Tenured,
			CreatedStep:  meta.CreatedStep,
			LastUsedStep: meta.LastUsedStep,
			Contrib:      meta.Contrib,
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

// replaceFile writes payload beside path and renames it over path.
func replaceFile(path string, payload []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadModular loads a checkpoint written by WriteModular.
func ReadModular(dir string) (model.Checkpoint, bool, error) {
	checkpoint, ok, err := readHeader(dir)
	if err != nil || !ok {
		return model.Checkpoint{}, ok, err
	}
	metas, err := readExpertMeta(dir)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	if len(metas) != checkpoint.NumShards {
		return model.Checkpoint{}, false, fmt.Errorf("checkpoint %s: meta lists %d experts, num_shards=%d", checkpoint.ID, len(metas), checkpoint.NumShards)
	}
	checkpoint.Shards = make([]model.ShardRecord, 0, len(metas))
	for id := range metas {
		shard, err := readExpert(dir, id, metas)
		if err != nil {
			return model.Checkpoint{}, false, err
		}
		checkpoint.Shards = append(checkpoint.Shards, shard)
	}
	return checkpoint, true, nil
}

func readHeader(dir string) (model.Checkpoint, bool, error) {
	payload, err := os.ReadFile(filepath.Join(dir, systemDir, routerFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode %s: %w", dir, err)
	}
	return checkpoint, true, nil
}

func readExpertMeta(dir string) ([]expertMeta, error) {
	payload, err := os.ReadFile(filepath.Join(dir, expertsDir, expertMetaFile))
	if err != nil {
		return nil, err
	}
	var metas []expertMeta
	if err := json.Unmarshal(payload, &metas); err != nil {
		return nil, fmt.Errorf("decode expert meta: %w", err)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas, nil
}

func readExpert(dir string, id int, metas []expertMeta) (model.ShardRecord, error) {
	if id < 0 || id >= len(metas) || metas[id].ID != id {
		return model.ShardRecord{}, fmt.Errorf("%w: expert %d meta", ErrNotFound, id)
	}
	payload, err := os.ReadFile(filepath.Join(dir, expertsDir, expertFileName(id)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ShardRecord{}, fmt.Errorf("%w: expert %d", ErrNotFound, id)
		}
		return model.ShardRecord{}, err
	}
	var file expertFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return model.ShardRecord{}, fmt.Errorf("decode expert %d: %w", id, err)
	}
	return model.ShardRecord{ID: id, Meta: metas[id].shardMeta(), Params: file.Params}, nil
}

func (m expertMeta) shardMeta() model.ShardMeta {
	return model.ShardMeta{
		CreatedStep:  m.CreatedStep,
		LastUsedStep: m.LastUsedStep,
		Contrib:      m.Contrib,
		Tenured:      m.Tenured,
	}
}

func expertFileName(id int) string {
	return fmt.Sprintf("expert_%03d.json", id)
}

func (s *DirStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	dir, err := s.checkpointDir(id)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ReadModular(dir)
}

func (s *DirStore) GetCheckpointHeader(_ context.Context, id string) (model.Checkpoint, bool, error) {
	dir, err := s.checkpointDir(id)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok, err := readHeader(dir)
	if err != nil || !ok {
		return model.Checkpoint{}, ok, err
	}
	metas, err := readExpertMeta(dir)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	if len(metas) != checkpoint.NumShards {
		return model.Checkpoint{}, false, fmt.Errorf("checkpoint %s: meta lists %d experts, num_shards=%d", id, len(metas), checkpoint.NumShards)
	}
	checkpoint.Shards = make([]model.ShardRecord, len(metas))
	for i, meta := range metas {
		if meta.ID != i {
			return model.Checkpoint{}, false, fmt.Errorf("%w: expert %d meta", ErrNotFound, i)
		}
		checkpoint.Shards[i] = model.ShardRecord{ID: i, Meta: meta.shardMeta()}
	}
	return checkpoint, true, nil
}

// UpdateShardMeta rewrites meta.json before router.json, so a crash between
// the two leaves the old step with metadata no older than it.
func (s *DirStore) UpdateShardMeta(_ context.Context, id string, step int64, metas []model.ShardMeta, expectedStep int64) error {
	dir, err := s.checkpointDir(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := readHeader(dir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}
	if current.Step != expectedStep {
		return fmt.Errorf("%w: %s at step %d, expected %d", ErrStaleCheckpoint, id, current.Step, expectedStep)
	}
	if err := checkMetaUpdate(current, metas); err != nil {
		return err
	}

	payload, err := encodeExpertMeta(metas)
	if err != nil {
		return err
	}
	if err := replaceFile(filepath.Join(dir, expertsDir, expertMetaFile), payload); err != nil {
		return err
	}
	current.Step = step
	header, err := EncodeCheckpointHeader(current)
	if err != nil {
		return err
	}
	return replaceFile(filepath.Join(dir, systemDir, routerFile), header)
}

func (s *DirStore) DeleteCheckpoint(_ context.Context, id string) error {
	dir, err := s.checkpointDir(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	err = os.Remove(s.logPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DirStore) ListCheckpoints(_ context.Context) ([]model.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []model.CheckpointSummary
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || name == logDir {
			continue
		}
		checkpoint, ok, err := readHeader(filepath.Join(s.root, name))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, model.Summarize(checkpoint))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DirStore) LoadShard(_ context.Context, checkpointID string, shardID int) (model.ShardRecord, error) {
	dir, err := s.checkpointDir(checkpointID)
	if err != nil {
		return model.ShardRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas, err := readExpertMeta(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ShardRecord{}, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
		}
		return model.ShardRecord{}, err
	}
	return readExpert(dir, shardID, metas)
}

func (s *DirStore) logPath(checkpointID string) string {
	return filepath.Join(s.root, logDir, checkpointID+".jsonl")
}

func (s *DirStore) AppendRepartitionRecord(_ context.Context, record model.RepartitionRecord) error {
	if _, err := s.checkpointDir(record.CheckpointID); err != nil {
		return err
	}
	payload, err := EncodeRepartitionRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(record.CheckpointID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(payload, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *DirStore) GetRepartitionLog(_ context.Context, checkpointID string) ([]model.RepartitionRecord, error) {
	if _, err := s.checkpointDir(checkpointID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.logPath(checkpointID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.RepartitionRecord{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := []model.RepartitionRecord{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		record, err := DecodeRepartitionRecord(line)
		if err != nil {
			return nil, fmt.Errorf("decode repartition log of %s: %w", checkpointID, err)
		}
		out = append(out, record)
	}
	return out, scanner.Err()
}
