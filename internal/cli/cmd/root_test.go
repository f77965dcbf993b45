package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/utxo-ingest/internal/config"
	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
)

func TestBindFlags(t *testing.T) {
	c := &cobra.Command{Use: "fetch"}
	addRunFlags(c, config.FetchDefaults)
	c.Flags().Bool("continue-on-error", false, "")
	require.NoError(t, c.ParseFlags([]string{"--max-records", "5000", "--output", "out.csv", "--continue-on-error"}))

	v := config.New(config.FetchDefaults)
	require.NoError(t, bindFlags(v, c))
	cfg, err := config.Load(v, "", checkpoint.ModeBulk)
	require.NoError(t, err)

	assert.Equal(t, uint64(5000), cfg.MaxRecords)
	assert.Equal(t, "out.csv", cfg.Output)
	assert.True(t, cfg.ContinueOnError)
	// Flags left at their zero default fall through to the config defaults.
	assert.Equal(t, config.FetchDefaults.Checkpoint, cfg.Checkpoint.Path)
	assert.Zero(t, cfg.StartID)
	assert.False(t, c.Flags().Changed("start-id"))
}

func TestBindFlagsReconcile(t *testing.T) {
	c := &cobra.Command{Use: "reconcile"}
	addRunFlags(c, config.ReconcileDefaults)
	c.Flags().String("input", "", "")
	require.NoError(t, c.ParseFlags([]string{"--input", "fetched.csv", "--start-id", "77", "--checkpoint", "cp.json"}))

	v := config.New(config.ReconcileDefaults)
	require.NoError(t, bindFlags(v, c))
	cfg, err := config.Load(v, "", checkpoint.ModeReconcile)
	require.NoError(t, err)

	assert.Equal(t, "fetched.csv", cfg.Input)
	assert.Equal(t, config.ReconcileDefaults.Output, cfg.Output)
	assert.Equal(t, "cp.json", cfg.Checkpoint.Path)
	assert.Equal(t, uint64(77), cfg.StartID)
	assert.True(t, c.Flags().Changed("start-id"))
}

func TestModeFor(t *testing.T) {
	mode, files := modeFor(nil)
	assert.Equal(t, checkpoint.ModeBulk, mode)
	assert.Equal(t, config.FetchDefaults, files)

	mode, files = modeFor([]string{"reconcile"})
	assert.Equal(t, checkpoint.ModeReconcile, mode)
	assert.Equal(t, config.ReconcileDefaults, files)
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"fetch", "reconcile", "config", "version"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
	assert.NotNil(t, reconcileCmd.Flags().Lookup("input"))
	assert.Nil(t, fetchCmd.Flags().Lookup("input"))
	assert.NotNil(t, fetchCmd.Flags().Lookup("continue-on-error"))
}
