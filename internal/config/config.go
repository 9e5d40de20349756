// Package config loads and validates the YAML run configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ringroute/internal/kernel"
	"ringroute/internal/nn"
	"ringroute/internal/pointer"
	"ringroute/internal/router"
)

// Config holds every construction parameter of a run.
type Config struct {
	Ring       RingConfig       `yaml:"ring"`
	Kernel     KernelConfig     `yaml:"kernel"`
	Pointer    PointerConfig    `yaml:"pointer"`
	Memory     MemoryConfig     `yaml:"memory"`
	Activation ActivationConfig `yaml:"activation"`
	Router     RouterConfig     `yaml:"router"`
	Exit       ExitConfig       `yaml:"exit"`
	Engine     EngineConfig     `yaml:"engine"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

type RingConfig struct {
	Length   int `yaml:"length"`
	SlotDim  int `yaml:"slot_dim"`
	InputDim int `yaml:"input_dim"`
	Classes  int `yaml:"classes"`
	Batch    int `yaml:"batch"`
}

type KernelConfig struct {
	Kind   string  `yaml:"kind"`
	Tau    float64 `yaml:"tau"`
	Kappa  float64 `yaml:"kappa"`
	Window int     `yaml:"window"`
}

type PointerConfig struct {
	Inertia       float64 `yaml:"inertia"`
	Deadzone      float64 `yaml:"deadzone"`
	GateThreshold float64 `yaml:"gate_threshold"`
	MaxWalk       float64 `yaml:"max_walk"`
	Bin           string  `yaml:"bin"`
	Init          string  `yaml:"init"`
}

type MemoryConfig struct {
	Decay       float64 `yaml:"decay"`
	Clip        float64 `yaml:"clip"`
	HardBound   float64 `yaml:"hard_bound"`
	UpdateScale float64 `yaml:"update_scale"`
}

type ActivationConfig struct {
	Name   string  `yaml:"name"`
	Period float64 `yaml:"period"`
	Rho    float64 `yaml:"rho"`
}

// Func resolves the configured activation. The periodic shaper is built from
// Period and Rho; every other name comes from the nn registry.
func (a ActivationConfig) Func() (nn.ActivationFunc, error) {
	if a.Name == "" || a.Name == nn.ShaperActivationName {
		shaper, err := nn.NewShaper(a.Period, a.Rho)
		if err != nil {
			return nil, err
		}
		return shaper.Apply, nil
	}
	return nn.GetActivation(a.Name)
}

type RouterConfig struct {
	InitialShards   int `yaml:"initial_shards"`
	TelemetryWindow int `yaml:"telemetry_window"`
}

type ExitConfig struct {
	// Threshold <= 0 disables early exit.
	Threshold float64 `yaml:"threshold"`
	EMA       float64 `yaml:"ema"`
}

type EngineConfig struct {
	Workers int   `yaml:"workers"`
	Seed    int64 `yaml:"seed"`
}

type StorageConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Ring: RingConfig{
			Length:   64,
			SlotDim:  8,
			InputDim: 1,
			Classes:  2,
			Batch:    4,
		},
		Kernel: KernelConfig{
			Kind:   kernel.KindGaussian,
			Tau:    1.0,
			Kappa:  4.0,
			Window: 5,
		},
		Pointer: PointerConfig{
			Inertia:       0.5,
			Deadzone:      0.05,
			GateThreshold: 0.5,
			MaxWalk:       1.0,
			Bin:           router.BinNearest,
			Init:          pointer.InitZero,
		},
		Memory: MemoryConfig{
			Decay:       0,
			Clip:        10,
			HardBound:   1e6,
			UpdateScale: 1,
		},
		Activation: ActivationConfig{
			Name:   nn.ShaperActivationName,
			Period: nn.DefaultShaperPeriod,
			Rho:    nn.DefaultShaperRho,
		},
		Router: RouterConfig{
			InitialShards:   2,
			TelemetryWindow: 16,
		},
		Exit: ExitConfig{
			Threshold: 0,
			EMA:       0,
		},
		Engine: EngineConfig{
			Workers: 4,
			Seed:    1,
		},
		Storage: StorageConfig{
			Kind: "memory",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Ring.Length > 0, "ring.length must be > 0, got %d", c.Ring.Length)
	check(c.Ring.SlotDim > 0, "ring.slot_dim must be > 0, got %d", c.Ring.SlotDim)
	check(c.Ring.InputDim >= 0, "ring.input_dim must be >= 0, got %d", c.Ring.InputDim)
	check(c.Ring.Classes > 0, "ring.classes must be > 0, got %d", c.Ring.Classes)
	check(c.Ring.Batch > 0, "ring.batch must be > 0, got %d", c.Ring.Batch)

	check(c.Kernel.Kind == kernel.KindGaussian || c.Kernel.Kind == kernel.KindVonMises,
		"kernel.kind must be %q or %q, got %q", kernel.KindGaussian, kernel.KindVonMises, c.Kernel.Kind)
	check(c.Kernel.Window > 0 && c.Kernel.Window <= c.Ring.Length,
		"kernel.window must be in [1, ring.length], got %d", c.Kernel.Window)
	check(c.Kernel.Tau >= 0 && !math.IsInf(c.Kernel.Tau, 0), "kernel.tau must be finite and >= 0, got %g", c.Kernel.Tau)
	check(c.Kernel.Kappa >= 0, "kernel.kappa must be >= 0, got %g", c.Kernel.Kappa)

	check(c.Pointer.Inertia >= 0 && c.Pointer.Inertia < 1, "pointer.inertia must be in [0, 1), got %g", c.Pointer.Inertia)
	check(c.Pointer.Deadzone >= 0, "pointer.deadzone must be >= 0, got %g", c.Pointer.Deadzone)
	check(c.Pointer.MaxWalk >= 0, "pointer.max_walk must be >= 0, got %g", c.Pointer.MaxWalk)
	check(c.Pointer.Bin == router.BinNearest || c.Pointer.Bin == router.BinFloor,
		"pointer.bin must be %q or %q, got %q", router.BinNearest, router.BinFloor, c.Pointer.Bin)
	check(c.Pointer.Init == pointer.InitZero || c.Pointer.Init == pointer.InitSpread,
		"pointer.init must be %q or %q, got %q", pointer.InitZero, pointer.InitSpread, c.Pointer.Init)

	check(c.Memory.Decay >= 0 && c.Memory.Decay < 1, "memory.decay must be in [0, 1), got %g", c.Memory.Decay)
	check(c.Memory.Clip >= 0, "memory.clip must be >= 0, got %g", c.Memory.Clip)
	check(c.Memory.HardBound >= 0, "memory.hard_bound must be >= 0, got %g", c.Memory.HardBound)
	check(c.Memory.HardBound == 0 || c.Memory.Clip == 0 || c.Memory.HardBound >= c.Memory.Clip,
		"memory.hard_bound (%g) must not be below memory.clip (%g)", c.Memory.HardBound, c.Memory.Clip)

	if _, err := c.Activation.Func(); err != nil {
		errs = append(errs, fmt.Errorf("activation: %w", err))
	}

	check(c.Router.InitialShards > 0 && c.Router.InitialShards <= c.Ring.Length,
		"router.initial_shards must be in [1, ring.length], got %d", c.Router.InitialShards)
	check(c.Router.TelemetryWindow >= 0, "router.telemetry_window must be >= 0, got %d", c.Router.TelemetryWindow)

	check(c.Exit.EMA >= 0 && c.Exit.EMA < 1, "exit.ema must be in [0, 1), got %g", c.Exit.EMA)
	check(c.Engine.Workers > 0, "engine.workers must be > 0, got %d", c.Engine.Workers)

	return errors.Join(errs...)
}

// WorkloadID fingerprints the structural parameters a checkpoint depends on.
// Runs with equal IDs can share checkpoints.
func (c *Config) WorkloadID() string {
	payload, _ := json.Marshal(struct {
		RingLen       int `json:"ring_len"`
		SlotDim       int `json:"slot_dim"`
		InputDim      int `json:"input_dim"`
		Classes       int `json:"classes"`
		Window        int `json:"window"`
		InitialShards int `json:"initial_shards"`
	}{
		RingLen:       c.Ring.Length,
		SlotDim:       c.Ring.SlotDim,
		InputDim:      c.Ring.InputDim,
		Classes:       c.Ring.Classes,
		Window:        c.Kernel.Window,
		InitialShards: c.Router.InitialShards,
	})
	sum := sha256.Sum256(payload)
	return "wl_v1_" + hex.EncodeToString(sum[:])[:12]
}
