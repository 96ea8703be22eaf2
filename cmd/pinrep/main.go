package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxiofs/pinrep/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Command failures were already written to stdout as a JSON envelope
		if !errors.Is(err, errReported) {
			logrus.Fatal(err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pinrep",
		Short: "pinrep - replication policy engine for content-addressed pins",
		Long: `pinrep keeps every registered CID pinned on enough storage backends.
It selects backends by policy, replicates through pluggable adapters and
reconciles the ledger in a background monitor loop.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().String("export-dir", "", "Directory for pin exports (default <data-dir>/exports)")
	rootCmd.PersistentFlags().String("store", "file", "State store engine (file, badger, pebble)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor loop and the metrics/health listener",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
	serveCmd.Flags().StringP("listen", "l", ":9464", "Metrics and health listen address")

	rootCmd.AddCommand(
		serveCmd,
		newSettingsCmd(),
		newBackendCmd(),
		newPinCmd(),
		newStatusCmd(),
		newCycleCmd(),
		newExportCmd(),
		newImportCmd(),
	)
	return rootCmd
}

func runServer(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting pinrep")

	srv := server.New(server.Options{
		Config:      a.cfg,
		Replication: a.manager,
		Metrics:     a.metrics,
		Recent:      a.recent,
		Logger:      logrus.StandardLogger(),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case <-c:
			logrus.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("pinrep stopped")
	return nil
}
