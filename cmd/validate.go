package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/scheduler"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Typecheck the pipeline and confirm the schedule fits the memory budget.",
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

		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d block(s), plan hash %s\n", len(sched.Blocks), plan.Hash(root))
		return nil
	},
}
