// Package cmd implements the CLI surface: the collaborator that parses a
// pipeline file, wires up the config, and drives the core's
// validate/explain/run entry points. A single cobra root with
// subcommands, flag-bound package vars set in init, and a
// context-carrying Execute entry point.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emsqrt-project/emsqrt/config"
	"github.com/emsqrt-project/emsqrt/emerr"
	"github.com/emsqrt-project/emsqrt/logs"
	"github.com/emsqrt-project/emsqrt/pipeline"
	"github.com/emsqrt-project/emsqrt/plan"
)

var rootCmd = &cobra.Command{
	Use:           "emsqrt",
	Short:         "An external-memory-bounded ETL/query engine.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logs.InitializeFileLogger(logDir)
	},
}

var (
	pipelinePath     string
	configPath       string
	memoryCapBytes   int64
	spillDir         string
	maxParallelTasks int
	fanIn            int
	logDir           string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&pipelinePath, "pipeline", "", "path to the pipeline YAML file")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config YAML file (optional; defaults + flags + env otherwise)")
	rootCmd.PersistentFlags().Int64Var(&memoryCapBytes, "memory-cap", 0, "peak memory budget in bytes (overrides config)")
	rootCmd.PersistentFlags().StringVar(&spillDir, "spill-dir", "", "directory for spill segments (overrides config)")
	rootCmd.PersistentFlags().IntVar(&maxParallelTasks, "max-parallel", 0, "max concurrently running schedule blocks (overrides config)")
	rootCmd.PersistentFlags().IntVar(&fanIn, "fan-in", 0, "scheduler frontier bound K: max started-but-unfinished blocks (overrides config, default 2)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for the run's log file (default ~/.emsqrt)")

	rootCmd.AddCommand(validateCmd, explainCmd, runCmd)
}

// Execute runs the CLI to completion and exits the process with a code
// derived from the error's emerr.Kind: 0 success, 2 validation failure,
// 3 runtime failure, 4 budget-exhausted-unspillable.
func Execute(ctx context.Context) {
	defer logs.CloseLogger()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "emsqrt:", err)
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch emerr.KindOf(err) {
	case emerr.Config:
		return 2
	case emerr.Budget:
		return 4
	default:
		return 3
	}
}

// loadConfig assembles a config.Config from --config (if given), then
// applies --memory-cap/--spill-dir/--max-parallel on top, giving flags
// the final say over the file and environment.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		c, err := config.Read(configPath)
		if err != nil {
			return nil, emerr.New(emerr.Config, "cmd.loadConfig", err)
		}
		cfg = c
	} else {
		cfg = config.Default()
	}
	cfg.ApplyFlagOverrides(memoryCapBytes, spillDir, maxParallelTasks, fanIn)
	if err := cfg.FinishForCLI(); err != nil {
		return nil, emerr.New(emerr.Config, "cmd.loadConfig", err)
	}
	return cfg, nil
}

// loadPlan parses --pipeline into a physical plan tree.
func loadPlan() (*plan.Node, error) {
	if pipelinePath == "" {
		return nil, emerr.Newf(emerr.Config, "cmd.loadPlan", "--pipeline is required")
	}
	doc, err := pipeline.Load(pipelinePath)
	if err != nil {
		return nil, err
	}
	return pipeline.Build(doc)
}
