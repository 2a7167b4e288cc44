package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"popovka-vpn/internal/config"
	"popovka-vpn/internal/logging"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

var (
	loadConfig = config.LoadConfig
	// runtimeConfig is loaded once per invocation by the root command.
	runtimeConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "popovka",
	Short:         "VPN subscription lifecycle service",
	Long:          `Keeps VPN subscriptions and their panel clients in step: freeze, unfreeze, location moves, expiry and drift repair.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		runtimeConfig = loadConfig()
		logging.Init(logging.Config{
			Format:    runtimeConfig.LogFormat,
			Level:     runtimeConfig.LogLevel,
			Component: "popovka",
		})
	},
}

func init() {
	rootCmd.AddCommand(
		serveCmd,
		sweepCmd,
		reconcileCmd,
		migrateCmd,
		panelsCmd,
		newSubCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
