// Command server runs the gochat relay: the socket server, the offline
// notification worker and a few operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gochat",
		Short: "Real-time relay for project rooms and personal notifications",
		Long: `gochat relays chat messages and notifications to WebSocket clients.

Any number of relay processes can run side by side: connection state and
fan-out live in Redis, and events for offline users are queued and stored
as pending notifications.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GOCHAT_CONFIG"), "path to the YAML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		workerCmd(&configPath),
		pendingCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
