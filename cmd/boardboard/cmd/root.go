package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/boardboard/internal/config"
)

var transportFlag string

var rootCmd = &cobra.Command{
	Use:   "boardboard",
	Short: "Boardboard realtime server and tools",
	Long: `Boardboard serves the realtime notification API and ships tools to
inspect the realtime layer from a terminal.

Available commands:
  serve     Run the HTTP and websocket server
  listen    Print broadcasts received on a topic
  send      Broadcast an event on a topic
  events    List the events sent on personal topics

Use "boardboard [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "",
		fmt.Sprintf("realtime transport (%s, %s, %s, %s); overrides REALTIME_TRANSPORT",
			config.TransportPhoenix, config.TransportMemory, config.TransportRedis, config.TransportNATS))
}

// loadConfig reads the environment and applies global flag overrides.
func loadConfig() *config.Config {
	cfg := config.Load()
	if transportFlag != "" {
		cfg.RealtimeTransport = transportFlag
	}
	return cfg
}
