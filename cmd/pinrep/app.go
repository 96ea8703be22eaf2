package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/maxiofs/pinrep/internal/adapter"
	"github.com/maxiofs/pinrep/internal/config"
	"github.com/maxiofs/pinrep/internal/logging"
	"github.com/maxiofs/pinrep/internal/metrics"
	"github.com/maxiofs/pinrep/internal/persist"
	"github.com/maxiofs/pinrep/internal/replication"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const recentProblemCount = 50

// errReported marks a failure whose envelope was already printed
var errReported = errors.New("command failed")

// app is the wired replication manager for one command invocation
type app struct {
	cfg     *config.Config
	manager *replication.Manager
	metrics metrics.Manager
	recent  *logging.RecentHook
}

// openApp loads configuration and opens the state store, the attempt log and the
// manager. Only serve exports metrics, so one-shot commands get the no-op manager.
func openApp(cmd *cobra.Command, withMetrics bool) (*app, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	logger := logrus.StandardLogger()

	recent := logging.NewRecentHook(recentProblemCount)
	logger.AddHook(recent)

	mm := metrics.NewNoop()
	if withMetrics {
		mm = metrics.NewManager(cfg.Metrics)
	}

	// The KV engines create their own state directory under the data dir
	stateDir := cfg.DataDir
	if cfg.Store.Engine == persist.EngineFile {
		stateDir = filepath.Join(cfg.DataDir, "state")
	}
	store, err := persist.New(persist.Options{
		Engine:     cfg.Store.Engine,
		DataDir:    stateDir,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var history *replication.History
	if cfg.History.Enable {
		history, err = replication.OpenHistory(filepath.Join(cfg.DataDir, "history.db"), logger)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	registry := adapter.NewRegistry(adapter.Options{
		Timeout:          cfg.Adapters.Timeout,
		BreakerFailures:  cfg.Adapters.BreakerFailures,
		BreakerSuccesses: cfg.Adapters.BreakerSuccesses,
		BreakerTimeout:   cfg.Adapters.BreakerTimeout,
	})
	registry.RegisterDefaults()

	manager, err := replication.NewManager(cmd.Context(), replication.Options{
		Store:            store,
		Adapters:         registry,
		History:          history,
		Metrics:          mm,
		ExportDir:        cfg.ExportDir,
		BatchSize:        cfg.Monitor.BatchSize,
		ErrorBackoff:     cfg.Monitor.ErrorBackoff,
		HistoryRetention: cfg.History.RetentionDays,
		Logger:           logger,
	})
	if err != nil {
		store.Close()
		if history != nil {
			history.Close()
		}
		return nil, fmt.Errorf("failed to start replication manager: %w", err)
	}

	return &app{cfg: cfg, manager: manager, metrics: mm, recent: recent}, nil
}

// Close stops the monitor and releases the stores
func (a *app) Close() {
	if err := a.manager.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close replication manager")
	}
}

// response is the JSON envelope printed by every command
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

func printJSON(w io.Writer, resp response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// respond prints data on success, or the error and its kind on failure
func respond(cmd *cobra.Command, data interface{}, err error) error {
	out := cmd.OutOrStdout()
	if err != nil {
		if perr := printJSON(out, response{Success: false, Error: err.Error(), Kind: replication.Kind(err)}); perr != nil {
			return perr
		}
		return errReported
	}
	return printJSON(out, response{Success: true, Data: data})
}

// withApp opens the app, runs fn and prints its outcome
func withApp(fn func(cmd *cobra.Command, a *app, args []string) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return respond(cmd, nil, err)
		}
		defer a.Close()

		data, err := fn(cmd, a, args)
		return respond(cmd, data, err)
	}
}
