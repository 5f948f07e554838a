// Command moesim simulates mixture-of-experts training
// jobs and benchmarks the all-reduce algorithms they use.
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/unixpickle/moe-sys/config"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	defer klog.Flush()

	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd creates the top-level command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "moesim",
		Short:        "Simulate expert placement and gradient synchronization",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().Int("num-experts", 0, "override num_experts from the configuration")

	root.AddCommand(
		NewTopologyCmd(),
		NewTrainCmd(),
		NewBenchCmd(),
	)
	return root
}

// loadConfig reads the configuration selected by the
// persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	overrides := map[string]interface{}{}
	if cmd.Flags().Changed("num-experts") {
		overrides["num_experts"], _ = cmd.Flags().GetInt("num-experts")
	}
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.FromMap(overrides)
	}
	return config.LoadWithOverrides(path, overrides)
}
