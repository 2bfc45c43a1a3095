package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emsqrt-project/emsqrt/graph"
	"github.com/emsqrt-project/emsqrt/plan"
	"github.com/emsqrt-project/emsqrt/scheduler"
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Print the physical plan and its scheduled blocks in graphviz dot format.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		root, err := loadPlan()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# plan_hash: %s\n", plan.Hash(root))
		fmt.Fprintln(out, graph.Show(root.Visualize()).String())

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

		fmt.Fprintf(out, "# schedule: %d block(s)\n", len(sched.Blocks))
		for _, id := range sched.Order {
			b := sched.ByID(id)
			fmt.Fprintf(out, "#   %s: %s, depends_on=%v, est_footprint_bytes=%d\n",
				b.ID, b.Pipeline[len(b.Pipeline)-1].Kind, b.DependsOn, b.EstFootprintBytes)
		}
		return nil
	},
}
