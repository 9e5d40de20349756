package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ringroute/internal/config"
	"ringroute/internal/logging"
	"ringroute/pkg/ringroute"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath   string
	storeKind    string
	dbPath       string
	logLevel     string
	artifactsDir string
	jsonOut      bool
}

type cli struct {
	out   io.Writer
	flags globalFlags
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "ringroutectl",
		Short:         "Create, repartition, evaluate and export ring-routed checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "YAML config path (defaults when empty or missing)")
	pf.StringVar(&c.flags.storeKind, "store", "", "store backend: memory|sqlite|dir (overrides config)")
	pf.StringVar(&c.flags.dbPath, "db-path", "", "sqlite database path or dir store root (overrides config)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level (overrides config)")
	pf.StringVar(&c.flags.artifactsDir, "artifacts-dir", "", "eval run artifacts directory (default runs)")
	pf.BoolVar(&c.flags.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		c.initConfigCmd(),
		c.createCmd(),
		c.listCmd(),
		c.inspectCmd(),
		c.deleteCmd(),
		c.splitCmd(),
		c.mergeCmd(),
		c.applyMetaCmd(),
		c.evalCmd(),
		c.exportCmd(),
		c.logCmd(),
		c.runsCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.flags.configPath)
	if err != nil {
		return nil, err
	}
	if c.flags.logLevel != "" {
		cfg.Log.Level = c.flags.logLevel
	}
	return cfg, nil
}

func (c *cli) openClient() (*ringroute.Client, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return nil, err
	}
	client, err := ringroute.New(ringroute.Options{
		Config:       cfg,
		StoreKind:    c.flags.storeKind,
		DBPath:       c.flags.dbPath,
		ArtifactsDir: c.flags.artifactsDir,
		Logger:       logger.Named("ringroutectl"),
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("client opened",
		zap.String("store", c.flags.storeKind),
		zap.String("workload", cfg.WorkloadID()),
	)
	return client, nil
}

// withClient opens a client for the duration of fn.
func (c *cli) withClient(fn func(*ringroute.Client) error) error {
	client, err := c.openClient()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return fn(client)
}

// emit prints v as indented JSON under --json, otherwise the plain text line.
func (c *cli) emit(v any, format string, args ...any) error {
	if c.flags.jsonOut {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintf(c.out, format+"\n", args...)
	return err
}
