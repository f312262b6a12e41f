// Dockhand - chat-driven orchestrator for on-demand AI coding sessions.
//
// Users issue commands in team chat; Dockhand provisions devcontainers on a
// remote VM, connects each to an agent worker, and pipes output back into
// chat threads.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "dockhand",
	Short: "Dockhand - chat-driven AI coding sessions",
	Long: `Dockhand provisions on-demand AI coding sessions from chat.

  dockhand serve              Start the orchestrator
  dockhand status             Check a running orchestrator`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL,
		"server", envOr("DOCKHAND_SERVER", "http://localhost:8090"), "Dockhand server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
