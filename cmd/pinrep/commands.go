package main

import (
	"fmt"

	"github.com/maxiofs/pinrep/internal/backend"
	"github.com/maxiofs/pinrep/internal/pin"
	"github.com/maxiofs/pinrep/internal/replication"
	"github.com/maxiofs/pinrep/internal/settings"
	"github.com/spf13/cobra"
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", replication.ErrValidation, fmt.Sprintf(format, args...))
}

// ============================================================================
// settings
// ============================================================================

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the replication policy",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the current settings and counters",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.GetSettings(), nil
		}),
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change one or more settings",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			u, err := settingsUpdateFromFlags(cmd)
			if err != nil {
				return nil, err
			}
			return a.manager.UpdateSettings(cmd.Context(), u)
		}),
	}
	f := setCmd.Flags()
	f.Int("min-replicas", 0, "Minimum replicas per pin")
	f.Int("target-replicas", 0, "Default target replicas for new pins")
	f.Int("max-replicas", 0, "Maximum replicas per pin")
	f.Float64("max-total-storage-gb", 0, "Total storage budget in GB")
	f.String("policy", "", "Replication policy (conservative, balanced, aggressive)")
	f.Bool("auto-replication", true, "Reconcile pins automatically")
	f.Duration("health-check-interval", 0, "Interval between backend health checks")
	f.Duration("replication-check-interval", 0, "Interval between monitor cycles")
	f.Bool("cost-optimization", false, "Prefer cheaper backends")
	f.Bool("emergency-backup", false, "Enable emergency backup")

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}

func settingsUpdateFromFlags(cmd *cobra.Command) (settings.Update, error) {
	var u settings.Update
	f := cmd.Flags()

	if f.Changed("min-replicas") {
		v, _ := f.GetInt("min-replicas")
		u.MinReplicas = &v
	}
	if f.Changed("target-replicas") {
		v, _ := f.GetInt("target-replicas")
		u.TargetReplicas = &v
	}
	if f.Changed("max-replicas") {
		v, _ := f.GetInt("max-replicas")
		u.MaxReplicas = &v
	}
	if f.Changed("max-total-storage-gb") {
		v, _ := f.GetFloat64("max-total-storage-gb")
		u.MaxTotalStorageGB = &v
	}
	if f.Changed("policy") {
		v, _ := f.GetString("policy")
		u.Policy = &v
	}
	if f.Changed("auto-replication") {
		v, _ := f.GetBool("auto-replication")
		u.AutoReplication = &v
	}
	if f.Changed("health-check-interval") {
		v, _ := f.GetDuration("health-check-interval")
		d := settings.Duration(v)
		u.HealthCheckInterval = &d
	}
	if f.Changed("replication-check-interval") {
		v, _ := f.GetDuration("replication-check-interval")
		d := settings.Duration(v)
		u.ReplicationCheckInterval = &d
	}
	if f.Changed("cost-optimization") {
		v, _ := f.GetBool("cost-optimization")
		u.EnableCostOptimization = &v
	}
	if f.Changed("emergency-backup") {
		v, _ := f.GetBool("emergency-backup")
		u.EmergencyBackupEnabled = &v
	}

	if u.IsEmpty() {
		return u, invalid("no settings given")
	}
	return u, nil
}

// ============================================================================
// backend
// ============================================================================

func addBackendFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("type", "", "Backend type (local, clustered, archival, pinning-service-A, pinning-service-B, generic-web-storage)")
	f.String("endpoint", "", "Backend endpoint URL")
	f.String("credential", "", "Backend credential")
	f.Float64("max-storage-gb", 0, "Capacity in GB (0 means unlimited)")
	f.Float64("cost-per-gb", 0, "Cost per GB")
	f.Int("priority", 1, "Selection priority (lower first)")
	f.Bool("enabled", true, "Whether the backend takes new replicas")
	f.StringToString("meta", nil, "Adapter metadata as key=value pairs")
}

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage storage backends",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backends in registration order",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.ListBackends(), nil
		}),
	}

	getCmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show one backend",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.GetBackend(args[0])
		}),
	}

	addCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a backend",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			cfg, err := backendConfigFromFlags(cmd, args[0])
			if err != nil {
				return nil, err
			}
			added, err := a.manager.AddBackend(cmd.Context(), cfg)
			if err != nil {
				return nil, err
			}
			return added.Redacted(), nil
		}),
	}
	addBackendFlags(addCmd)

	updateCmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Change fields of a backend",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			u := backendUpdateFromFlags(cmd)
			updated, err := a.manager.UpdateBackend(cmd.Context(), args[0], u)
			if err != nil {
				return nil, err
			}
			return updated.Redacted(), nil
		}),
	}
	addBackendFlags(updateCmd)

	removeCmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a backend no pin references",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			if err := a.manager.RemoveBackend(cmd.Context(), args[0]); err != nil {
				return nil, err
			}
			return map[string]string{"removed": args[0]}, nil
		}),
	}

	healthCmd := &cobra.Command{
		Use:   "health NAME",
		Short: "Check a backend's health",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.CheckBackendHealth(cmd.Context(), args[0])
		}),
	}

	cmd.AddCommand(listCmd, getCmd, addCmd, updateCmd, removeCmd, healthCmd)
	return cmd
}

func backendConfigFromFlags(cmd *cobra.Command, name string) (backend.Config, error) {
	f := cmd.Flags()

	typeName, _ := f.GetString("type")
	typ, err := backend.ParseType(typeName)
	if err != nil {
		return backend.Config{}, invalid("%v", err)
	}

	cfg := backend.Config{Name: name, Type: typ}
	cfg.Endpoint, _ = f.GetString("endpoint")
	cfg.Credential, _ = f.GetString("credential")
	cfg.MaxStorageGB, _ = f.GetFloat64("max-storage-gb")
	cfg.Priority, _ = f.GetInt("priority")
	cfg.Enabled, _ = f.GetBool("enabled")
	if f.Changed("cost-per-gb") {
		cost, _ := f.GetFloat64("cost-per-gb")
		cfg.CostPerGB = &cost
	}
	if meta, _ := f.GetStringToString("meta"); len(meta) > 0 {
		cfg.Metadata = meta
	}
	return cfg, nil
}

func backendUpdateFromFlags(cmd *cobra.Command) backend.Update {
	var u backend.Update
	f := cmd.Flags()

	if f.Changed("type") {
		v, _ := f.GetString("type")
		u.Type = &v
	}
	if f.Changed("endpoint") {
		v, _ := f.GetString("endpoint")
		u.Endpoint = &v
	}
	if f.Changed("credential") {
		v, _ := f.GetString("credential")
		u.Credential = &v
	}
	if f.Changed("max-storage-gb") {
		v, _ := f.GetFloat64("max-storage-gb")
		u.MaxStorageGB = &v
	}
	if f.Changed("cost-per-gb") {
		v, _ := f.GetFloat64("cost-per-gb")
		u.CostPerGB = &v
	}
	if f.Changed("priority") {
		v, _ := f.GetInt("priority")
		u.Priority = &v
	}
	if f.Changed("enabled") {
		v, _ := f.GetBool("enabled")
		u.Enabled = &v
	}
	if f.Changed("meta") {
		u.Metadata, _ = f.GetStringToString("meta")
	}
	return u
}

// ============================================================================
// pin
// ============================================================================

func newPinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Register, inspect and replicate pins",
	}

	registerCmd := &cobra.Command{
		Use:   "register CID",
		Short: "Register a pin or update its target",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			f := cmd.Flags()
			req := replication.PinRequest{CID: args[0]}
			req.SizeBytes, _ = f.GetInt64("size")
			req.VFSMetadataID, _ = f.GetString("vfs-id")
			req.Metadata, _ = f.GetStringToString("meta")
			if f.Changed("target") {
				v, _ := f.GetInt("target")
				req.TargetReplicas = &v
			}
			if f.Changed("priority") {
				v, _ := f.GetInt("priority")
				req.Priority = &v
			}
			return a.manager.RegisterPin(cmd.Context(), req)
		}),
	}
	registerCmd.Flags().Int64("size", 0, "Content size in bytes")
	registerCmd.Flags().Int("target", 0, "Target replica count (defaults to the settings target)")
	registerCmd.Flags().Int("priority", 1, "Pin priority (lower is more urgent)")
	registerCmd.Flags().String("vfs-id", "", "Virtual filesystem metadata ID")
	registerCmd.Flags().StringToString("meta", nil, "Pin metadata as key=value pairs")

	statusCmd := &cobra.Command{
		Use:   "status CID",
		Short: "Show the ledger entry of a pin",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.GetPinStatus(args[0])
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pins, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			status, _ := cmd.Flags().GetString("status")
			name, _ := cmd.Flags().GetString("backend")
			filter := replication.PinFilter{Backend: name}
			if status != "" {
				if !knownStatus(pin.Status(status)) {
					return nil, invalid("unknown pin status %q", status)
				}
				filter.Status = pin.Status(status)
			}
			return a.manager.ListPins(filter), nil
		}),
	}
	listCmd.Flags().String("status", "", "Only pins with this status")
	listCmd.Flags().String("backend", "", "Only pins replicated to this backend")

	replicateCmd := &cobra.Command{
		Use:   "replicate CID BACKEND",
		Short: "Replicate a pin to one backend",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.ReplicatePinToBackend(cmd.Context(), args[0], args[1])
		}),
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile CID",
		Short: "Bring a pin up to its target replica count",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.Reconcile(cmd.Context(), args[0])
		}),
	}

	historyCmd := &cobra.Command{
		Use:   "history CID",
		Short: "Show recorded replication attempts for a pin",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			limit, _ := cmd.Flags().GetInt("limit")
			return a.manager.PinHistory(cmd.Context(), args[0], limit)
		}),
	}
	historyCmd.Flags().Int("limit", 50, "Maximum number of attempts")

	cmd.AddCommand(registerCmd, statusCmd, listCmd, replicateCmd, reconcileCmd, historyCmd)
	return cmd
}

func knownStatus(s pin.Status) bool {
	for _, st := range pin.Statuses() {
		if st == s {
			return true
		}
	}
	return false
}

// ============================================================================
// status, cycle, export, import
// ============================================================================

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the aggregate replication status",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.GetAggregateStatus(), nil
		}),
	}
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one monitor cycle and exit",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.RunCycle(cmd.Context())
		}),
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export BACKEND",
		Short: "Export the pins replicated to a backend",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			format, _ := cmd.Flags().GetString("format")
			compression, _ := cmd.Flags().GetString("compression")
			res, err := a.manager.ExportBackendPins(cmd.Context(), args[0], replication.ExportOptions{
				Format:      format,
				Compression: compression,
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":       res.Path,
				"backend":    res.Payload.Backend,
				"total_pins": res.Payload.TotalPins,
			}, nil
		}),
	}
	cmd.Flags().String("format", replication.FormatJSON, "Export format (json, yaml)")
	cmd.Flags().String("compression", replication.CompressionNone, "Compression (none, gzip, zstd)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import BACKEND PATH",
		Short: "Import an export file, adding BACKEND to every imported pin",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) (interface{}, error) {
			return a.manager.ImportBackendPins(cmd.Context(), args[0], args[1])
		}),
	}
}
