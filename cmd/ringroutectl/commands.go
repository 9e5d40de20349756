package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ringroute/internal/model"
	"ringroute/pkg/ringroute"
)

func (c *cli) initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write the default configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			return c.emit(map[string]string{"path": path, "workload_id": cfg.WorkloadID()},
				"wrote config=%s workload=%s", path, cfg.WorkloadID())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Bootstrap a new checkpoint from the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				summary, err := client.Create(cmd.Context(), ringroute.CreateRequest{ID: id})
				if err != nil {
					return err
				}
				return c.emit(summary, "created checkpoint=%s workload=%s shards=%d ring_len=%d",
					summary.ID, summary.WorkloadID, summary.NumShards, summary.RingLength)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "checkpoint id (generated when empty)")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				list, err := client.List(cmd.Context())
				if err != nil {
					return err
				}
				if c.flags.jsonOut {
					return c.emit(list, "")
				}
				if len(list) == 0 {
					return c.emit(nil, "no checkpoints")
				}
				for _, s := range list {
					if err := c.emit(nil, "checkpoint=%s step=%d shards=%d ring_len=%d workload=%s",
						s.ID, s.Step, s.NumShards, s.RingLength, s.WorkloadID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Show a checkpoint's ring, scalars and shard ownership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				info, err := client.Inspect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.flags.jsonOut {
					return c.emit(info, "")
				}
				s := info.Summary
				if err := c.emit(nil, "checkpoint=%s step=%d shards=%d ring_len=%d window=%d update_scale=%g ptr_inertia=%g",
					s.ID, s.Step, s.NumShards, info.Ring.Length, info.Ring.Window,
					info.Scalars.UpdateScale, info.Scalars.PtrInertia); err != nil {
					return err
				}
				for _, shard := range info.Shards {
					if err := c.emit(nil, "shard=%d addresses=%s created=%d last_used=%d tenured=%t",
						shard.ID, formatInts(shard.Addresses), shard.Meta.CreatedStep,
						shard.Meta.LastUsedStep, shard.Meta.Tenured); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checkpoint>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				if err := client.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				return c.emit(map[string]string{"deleted": args[0]}, "deleted checkpoint=%s", args[0])
			})
		},
	}
}

func (c *cli) splitCmd() *cobra.Command {
	var (
		parent int
		hot    []int
	)
	cmd := &cobra.Command{
		Use:   "split <checkpoint>",
		Short: "Move a contiguous hot arc of a parent shard onto a new child shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				record, err := client.Split(cmd.Context(), ringroute.SplitRequest{
					CheckpointID: args[0],
					Parent:       parent,
					HotAddresses: hot,
				})
				if err != nil {
					return err
				}
				return c.emitRecord(record)
			})
		},
	}
	cmd.Flags().IntVar(&parent, "parent", 0, "parent shard id")
	cmd.Flags().IntSliceVar(&hot, "hot", nil, "hot addresses owned by the parent")
	_ = cmd.MarkFlagRequired("hot")
	return cmd
}

func (c *cli) mergeCmd() *cobra.Command {
	var victim, target int
	cmd := &cobra.Command{
		Use:   "merge <checkpoint>",
		Short: "Fold the highest-numbered shard into a target shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				record, err := client.Merge(cmd.Context(), ringroute.MergeRequest{
					CheckpointID: args[0],
					Victim:       victim,
					Target:       target,
				})
				if err != nil {
					return err
				}
				return c.emitRecord(record)
			})
		},
	}
	cmd.Flags().IntVar(&victim, "victim", -1, "shard to remove (must be the highest id)")
	cmd.Flags().IntVar(&target, "target", -1, "shard receiving the victim's addresses")
	_ = cmd.MarkFlagRequired("victim")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (c *cli) applyMetaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply-meta <checkpoint> <meta.json>",
		Short: "Apply a split described by a repartition meta file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read meta: %w", err)
			}
			var meta model.RepartitionMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("parse meta: %w", err)
			}
			return c.withClient(func(client *ringroute.Client) error {
				record, err := client.ApplyMeta(cmd.Context(), ringroute.ApplyMetaRequest{
					CheckpointID: args[0],
					Meta:         meta,
				})
				if err != nil {
					return err
				}
				return c.emitRecord(record)
			})
		},
	}
}

func (c *cli) evalCmd() *cobra.Command {
	var req ringroute.EvalRequest
	cmd := &cobra.Command{
		Use:   "eval <checkpoint>",
		Short: "Run evaluation episodes on synthetic inputs and report routing telemetry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CheckpointID = args[0]
			return c.withClient(func(client *ringroute.Client) error {
				summary, err := client.Eval(cmd.Context(), req)
				if err != nil {
					return err
				}
				t := summary.Telemetry
				return c.emit(summary,
					"eval checkpoint=%s episodes=%d steps=%d final_step=%d exit_rate=%.4f normalized_entropy=%.4f max_share=%.4f active=%d materialized=%s",
					summary.CheckpointID, summary.Episodes, summary.Steps, summary.FinalStep, summary.ExitRate,
					t.NormalizedEntropy, t.MaxShare, t.ActiveCount, formatInts(summary.Materialized))
			})
		},
	}
	cmd.Flags().IntVar(&req.Episodes, "episodes", 1, "number of episodes")
	cmd.Flags().IntVar(&req.Steps, "steps", 32, "steps per episode")
	cmd.Flags().Int64Var(&req.Seed, "seed", 0, "input seed (config engine.seed when 0)")
	cmd.Flags().BoolVar(&req.Persist, "persist", false, "write the advanced step and last-used steps back")
	cmd.Flags().BoolVar(&req.Artifacts, "artifacts", false, "write run artifacts under --artifacts-dir")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <checkpoint>",
		Short: "Write a checkpoint in the modular directory layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				exported, err := client.Export(cmd.Context(), ringroute.ExportRequest{
					CheckpointID: args[0],
					OutDir:       outDir,
				})
				if err != nil {
					return err
				}
				return c.emit(exported, "exported checkpoint=%s dir=%s", exported.CheckpointID, exported.Directory)
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default exports)")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <checkpoint>",
		Short: "Show the repartition log of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				records, err := client.RepartitionLog(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.flags.jsonOut {
					return c.emit(records, "")
				}
				for _, record := range records {
					if err := c.emitRecord(record); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List evaluation runs recorded with --artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(func(client *ringroute.Client) error {
				runs, err := client.Runs()
				if err != nil {
					return err
				}
				if c.flags.jsonOut {
					return c.emit(runs, "")
				}
				for _, r := range runs {
					if err := c.emit(nil, "run=%s checkpoint=%s episodes=%d steps=%d normalized_entropy=%.4f max_share=%.4f created_at=%s",
						r.RunID, r.CheckpointID, r.Episodes, r.Steps, r.NormalizedEntropy, r.MaxShare, r.CreatedAtUTC); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) emitRecord(r model.RepartitionRecord) error {
	switch r.Operation {
	case model.RepartitionOpSplit:
		return c.emit(r, "split checkpoint=%s step=%d parent=%d new_shard=%d addresses=%s shards=%d->%d",
			r.CheckpointID, r.Step, r.Parent, r.NewShard, formatInts(r.Addresses), r.NumShardsBefore, r.NumShardsAfter)
	default:
		return c.emit(r, "merge checkpoint=%s step=%d victim=%d target=%d addresses=%s shards=%d->%d",
			r.CheckpointID, r.Step, r.Victim, r.Target, formatInts(r.Addresses), r.NumShardsBefore, r.NumShardsAfter)
	}
}

func formatInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
