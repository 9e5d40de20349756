package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ringroute/internal/config"
	"ringroute/internal/model"
)

type testEnv struct {
	t      *testing.T
	config string
	store  string
	runs   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Ring.Length = 12
	cfg.Ring.SlotDim = 2
	cfg.Ring.Batch = 2
	cfg.Router.InitialShards = 3
	cfg.Engine.Workers = 1
	cfg.Log.Level = "error"
	path := filepath.Join(base, "ringroute.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return testEnv{t: t, config: path, store: filepath.Join(base, "store"), runs: filepath.Join(base, "runs")}
}

func (e testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--config", e.config, "--store", "dir", "--db-path", e.store, "--artifacts-dir", e.runs}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestCLICreateInspectSplitMergeLog(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun("create", "--id", "ckpt")
	if !strings.Contains(out, "created checkpoint=ckpt") || !strings.Contains(out, "shards=3") {
		t.Fatalf("unexpected create output: %q", out)
	}

	out = env.mustRun("list")
	if !strings.Contains(out, "checkpoint=ckpt step=0 shards=3") {
		t.Fatalf("unexpected list output: %q", out)
	}

	out = env.mustRun("inspect", "ckpt")
	if !strings.Contains(out, "shard=0 addresses=[0,3,6,9]") {
		t.Fatalf("unexpected inspect output: %q", out)
	}

	out = env.mustRun("split", "ckpt", "--parent", "1", "--hot", "4")
	if !strings.Contains(out, "split checkpoint=ckpt") || !strings.Contains(out, "new_shard=3") {
		t.Fatalf("unexpected split output: %q", out)
	}
	out = env.mustRun("merge", "ckpt", "--victim", "3", "--target", "1")
	if !strings.Contains(out, "shards=4->3") {
		t.Fatalf("unexpected merge output: %q", out)
	}

	out = env.mustRun("--json", "log", "ckpt")
	var records []model.RepartitionRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("decode log json: %v\n%s", err, out)
	}
	if len(records) != 2 || records[0].Operation != model.RepartitionOpSplit {
		t.Fatalf("unexpected log records: %+v", records)
	}
}

func TestCLISplitRejectionIsAnError(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "--id", "ckpt")
	// address 4 belongs to shard 1
	if _, err := env.run("split", "ckpt", "--parent", "0", "--hot", "4"); err == nil {
		t.Fatal("expected split of unowned address to fail")
	}
	if _, err := env.run("merge", "ckpt", "--victim", "0", "--target", "1"); err == nil {
		t.Fatal("expected merge of a non-highest shard to fail")
	}
}

func TestCLIApplyMeta(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "--id", "ckpt")

	metaPath := filepath.Join(t.TempDir(), "meta.json")
	meta := `{"hot_arc":{"start":2,"length":1},"hot_addresses":[],"parent_expert":2}`
	if err := os.WriteFile(metaPath, []byte(meta), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	out := env.mustRun("apply-meta", "ckpt", metaPath)
	if !strings.Contains(out, "parent=2") || !strings.Contains(out, "addresses=[2]") {
		t.Fatalf("unexpected apply-meta output: %q", out)
	}
}

func TestCLIEvalAndExport(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "--id", "ckpt")

	out := env.mustRun("--json", "eval", "ckpt", "--steps", "5", "--episodes", "2", "--persist")
	var summary struct {
		Steps     int
		FinalStep int64
		Telemetry model.UsageReport
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode eval json: %v\n%s", err, out)
	}
	if summary.Steps != 10 || summary.FinalStep != 10 || summary.Telemetry.Total != 20 {
		t.Fatalf("unexpected eval summary: %+v", summary)
	}
	if out := env.mustRun("list"); !strings.Contains(out, "step=10") {
		t.Fatalf("persisted step missing from list: %q", out)
	}

	exportDir := filepath.Join(t.TempDir(), "exports")
	out = env.mustRun("export", "ckpt", "--out", exportDir)
	if !strings.Contains(out, "exported checkpoint=ckpt") {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, "ckpt", "system", "router.json")); err != nil {
		t.Fatalf("expected router.json in export: %v", err)
	}
}

func TestCLIInitConfig(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "out.yaml")
	out := env.mustRun("init-config", path)
	if !strings.Contains(out, "wrote config="+path) {
		t.Fatalf("unexpected init-config output: %q", out)
	}
	if _, err := env.run("init-config", path); err == nil {
		t.Fatal("expected existing config to be refused without --force")
	}
	env.mustRun("init-config", "--force", path)

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if loaded.Ring.Length != 12 {
		t.Fatalf("written config should reflect --config, got ring length %d", loaded.Ring.Length)
	}
}

func TestCLIUnknownCommandAndMissingCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.run("bogus"); err == nil {
		t.Fatal("expected unknown command to fail")
	}
	if _, err := env.run("inspect", "missing"); err == nil {
		t.Fatal("expected missing checkpoint to fail")
	}
}

func TestCLIEvalArtifactsAndRuns(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "--id", "ckpt")
	out := env.mustRun("eval", "ckpt", "--steps", "4", "--artifacts")
	if !strings.Contains(out, "eval checkpoint=ckpt") {
		t.Fatalf("unexpected eval output: %q", out)
	}

	out = env.mustRun("runs")
	if !strings.Contains(out, "checkpoint=ckpt episodes=1 steps=4") {
		t.Fatalf("unexpected runs output: %q", out)
	}
	entries, err := os.ReadDir(env.runs)
	if err != nil {
		t.Fatalf("read runs dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one run dir plus the index, got %d entries", len(entries))
	}
}
