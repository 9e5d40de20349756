package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"ringroute/internal/nn"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringroute.yaml")
	data := []byte(`
ring:
  length: 32
kernel:
  kind: von_mises
  kappa: 8
router:
  initial_shards: 4
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Ring.Length)
	require.Equal(t, 8, cfg.Ring.SlotDim, "unset fields keep defaults")
	require.Equal(t, "von_mises", cfg.Kernel.Kind)
	require.Equal(t, 8.0, cfg.Kernel.Kappa)
	require.Equal(t, 4, cfg.Router.InitialShards)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring: [1, 2"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Pointer.Bin = "floor"
	cfg.Exit.Threshold = 0.9
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Fatalf("saved config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ring.Length = 0
	cfg.Ring.SlotDim = -1
	cfg.Kernel.Kind = "box"
	cfg.Pointer.Inertia = 1
	cfg.Memory.Decay = 1
	cfg.Engine.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"ring.length", "ring.slot_dim", "kernel.kind", "kernel.window", "pointer.inertia", "memory.decay", "engine.workers", "router.initial_shards"} {
		require.Contains(t, err.Error(), field)
	}
}

func TestValidateActivation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Activation.Name = "tanh"
	require.NoError(t, cfg.Validate())

	cfg.Activation.Name = "missing"
	require.True(t, errors.Is(cfg.Validate(), nn.ErrActivationNotFound))

	cfg.Activation.Name = nn.ShaperActivationName
	cfg.Activation.Period = 2.5
	require.True(t, errors.Is(cfg.Validate(), nn.ErrDiscontinuous))
}

func TestActivationFuncUsesConfiguredShaper(t *testing.T) {
	fn, err := DefaultConfig().Activation.Func()
	require.NoError(t, err)
	shaper := nn.DefaultShaper()
	for _, u := range []float64{-30, -4.2, 0.3, 7.9, 25} {
		require.Equal(t, shaper.Apply(u), fn(u))
	}
}

func TestWorkloadID(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	b.Memory.Decay = 0.3
	b.Log.Level = "debug"
	require.Equal(t, a.WorkloadID(), b.WorkloadID(), "non-structural fields do not change the workload")
	require.Regexp(t, regexp.MustCompile(`^wl_v1_[0-9a-f]{12}$`), a.WorkloadID())

	b.Ring.Length = 128
	require.NotEqual(t, a.WorkloadID(), b.WorkloadID())
}
