package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "run-orch",
		Short: "Run Orchestrator - durable multi-instance run orchestration",
		Long: `Run Orchestrator drives long-running runs through their lifecycle.
Runs are decomposed into subtasks that workers execute over a websocket;
fencing leases keep each run with one orchestrator instance, and a stall
detector reclaims work from dead workers and instances.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
