package cmd

import (
	"crypto/rand"
	"fmt"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/emsqrt-project/emsqrt/budget"
	"github.com/emsqrt-project/emsqrt/engine"
	"github.com/emsqrt-project/emsqrt/graph"
	"github.com/emsqrt-project/emsqrt/manifest"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/scheduler"
	"github.com/emsqrt-project/emsqrt/segment"
)

var manifestPath string

func init() {
	runCmd.Flags().StringVar(&manifestPath, "manifest", "", "path to write the run's manifest JSON (default: <spill-dir>/<run-id>/manifest.json)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline end to end under the configured memory budget.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root, err := loadPlan()
		if err != nil {
			return err
		}

		frontier := cfg.FanIn
		if frontier <= 0 {
			frontier = 1
		}
		planner := scheduler.Planner{
			MemCapBytes:   cfg.MemCapBytes,
			FrontierWidth: frontier,
			BatchSizeHint: cfg.BlockSizeHint,
		}
		sched, err := planner.Plan(root)
		if err != nil {
			return err
		}

		runID := ulid.MustNew(ulid.Now(), rand.Reader).String()

		store, err := segment.New(filepath.Join(cfg.SpillDir, runID), segment.CodecZstd, cfg.MaxSpillConcurrency)
		if err != nil {
			return err
		}

		eng := &engine.Engine{
			Store:            store,
			Budget:           budget.New(cfg.MemCapBytes),
			RunID:            runID,
			MaxParallelTasks: cfg.MaxParallelTasks,
			FrontierWidth:    frontier,
			BatchSizeHint:    cfg.BlockSizeHint,
		}

		summary := graph.Show(root.Visualize()).String()
		m, runErr := eng.Run(cmd.Context(), sched, plan.Hash(root), summary)

		if manifestPath == "" {
			manifestPath = filepath.Join(cfg.SpillDir, runID, "manifest.json")
		}
		if err := manifest.Write(manifestPath, m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: manifest at %s\n", runID, manifestPath)

		return runErr
	},
}
