package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dockhand-dev/dockhand"
	"github.com/dockhand-dev/dockhand/internal/config"
)

var cfgFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Dockhand orchestrator",
	Long:  "Start the orchestrator: chat listener, HTTP callback API, and background monitors.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	app, err := dockhand.New(cfg)
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	return app.Run(ctx)
}
