package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarryproject/quarry/pkg/wire"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig string
	flagAddr   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if we, ok := err.(*wire.Error); ok &&
			(we.Code == wire.ErrAccessDenied || we.Code == wire.ErrUserIDMissing ||
				we.Code == wire.ErrNotSuperUser) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - cluster workload manager",
	Long: `Quarry is a batch workload manager: a central controller daemon that
accepts job submissions, tracks a fleet of compute nodes, and drives a
scheduling pipeline that binds pending jobs to resources and launches
them through per-node agents.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quarry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"config file (defaults to $CONFIG_PATH, then /etc/quarry/quarry.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "",
		"controller address (defaults to control_addr from the config)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(nodeCmd)
}
