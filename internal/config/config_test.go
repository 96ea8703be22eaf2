package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "./data", v.GetString("data_dir"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.Equal(t, "json", v.GetString("log_format"))
	assert.Equal(t, "file", v.GetString("store.engine"))
	assert.True(t, v.GetBool("store.sync_writes"))
}

func TestSetDefaults_Monitor(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 10, v.GetInt("monitor.batch_size"))
	assert.Equal(t, 60*time.Second, v.GetDuration("monitor.error_backoff"))
}

func TestSetDefaults_Adapters(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 60*time.Second, v.GetDuration("adapters.timeout"))
	assert.Equal(t, 5, v.GetInt("adapters.breaker_failures"))
	assert.Equal(t, 2, v.GetInt("adapters.breaker_successes"))
	assert.Equal(t, 30*time.Second, v.GetDuration("adapters.breaker_timeout"))
}

func TestSetDefaults_HistoryAndMetrics(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.True(t, v.GetBool("history.enable"))
	assert.Equal(t, 30, v.GetInt("history.retention_days"))
	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, ":9464", v.GetString("metrics.listen"))
	assert.Equal(t, "/metrics", v.GetString("metrics.path"))
}

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("data-dir", "", "")
	cmd.Flags().String("log-level", "info", "")
	cmd.Flags().String("store", "file", "")
	return cmd
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("data-dir", dir))
	require.NoError(t, cmd.Flags().Set("store", "Badger"))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "exports"), cfg.ExportDir)
	assert.Equal(t, "badger", cfg.Store.Engine)
	assert.Equal(t, 10, cfg.Monitor.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Adapters.Timeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pinrep.yaml")
	content := "data_dir: " + dir + "\n" +
		"monitor:\n  batch_size: 4\n  error_backoff: 5s\n" +
		"adapters:\n  timeout: 10s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Monitor.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Monitor.ErrorBackoff)
	assert.Equal(t, 10*time.Second, cfg.Adapters.Timeout)
}

func TestLoad_RejectsUnknownEngine(t *testing.T) {
	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("data-dir", t.TempDir()))
	require.NoError(t, cmd.Flags().Set("store", "leveldb"))

	_, err := Load(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.engine")
}
