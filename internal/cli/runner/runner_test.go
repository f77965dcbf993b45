package runner

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/utxo-ingest/internal/config"
	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
	"github.com/withObsrvr/utxo-ingest/pkg/client/clienttest"
	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

func loadConfig(t *testing.T, mode checkpoint.Mode, files config.Files, set map[string]interface{}) *config.Config {
	t.Helper()
	v := config.New(files)
	v.Set("client.rate_limit", 1000)
	v.Set("fetch.interval", time.Duration(-1))
	for k, val := range set {
		v.Set(k, val)
	}
	cfg, err := config.Load(v, "", mode)
	require.NoError(t, err)
	return cfg
}

func writeCSV(t *testing.T, path string, ids []uint64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(record.Header))
	for _, id := range ids {
		require.NoError(t, w.Write(clienttest.Row(id).Row()))
	}
	w.Flush()
	require.NoError(t, w.Error())
}

func outputIDs(t *testing.T, path string) []uint64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	var ids []uint64
	for _, row := range rows[1:] {
		rec, err := record.FromRow(row)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestRunFetch(t *testing.T) {
	dropped := map[uint64]bool{10: true, 150: true}
	a := clienttest.NewTable(clienttest.Range(1, 300), clienttest.Behavior{Dropped: dropped})
	defer a.Close()
	b := clienttest.NewTable(clienttest.Range(1, 300), clienttest.Behavior{Dropped: dropped})
	defer b.Close()

	dir := t.TempDir()
	cfg := loadConfig(t, checkpoint.ModeBulk, config.FetchDefaults, map[string]interface{}{
		"sources":          []string{a.URL(), b.URL()},
		"max_id":           300,
		"fetch.range_size": 100,
		"fetch.page_size":  25,
		"output":           filepath.Join(dir, "data_main.csv"),
		"checkpoint.path":  filepath.Join(dir, "checkpoint-main.json"),
	})

	r := New(Options{Mode: checkpoint.ModeBulk, Config: cfg})
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, r.RunID(), summary.RunID)
	assert.Equal(t, uint64(300), summary.TotalProcessed)
	assert.Equal(t, uint64(300), summary.LastID)
	assert.Equal(t, uint64(2), summary.Backfilled)
	assert.Zero(t, summary.Unresolved)
	assert.False(t, summary.Resumed)
	assert.Equal(t, clienttest.Range(1, 300), outputIDs(t, cfg.Output))

	store, err := checkpoint.NewFileStore(cfg.Checkpoint.Path, checkpoint.ConfigHash(cfg.Fingerprint(checkpoint.ModeBulk)))
	require.NoError(t, err)
	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.RunID(), cp.RunID)
	assert.Equal(t, uint64(300), cp.TotalProcessed)
	for _, rg := range cp.Ranges {
		assert.True(t, rg.Exhausted())
	}
}

func TestRunReconcile(t *testing.T) {
	table := clienttest.NewTable(clienttest.Range(1, 200), clienttest.Behavior{})
	defer table.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "data_main.csv")
	var ids []uint64
	for _, id := range clienttest.Range(1, 200) {
		if id != 3 && id != 50 {
			ids = append(ids, id)
		}
	}
	writeCSV(t, input, ids)

	set := map[string]interface{}{
		"sources":              []string{table.URL()},
		"input":                input,
		"output":               filepath.Join(dir, "cleaned_data_main.csv"),
		"checkpoint.path":      filepath.Join(dir, "checkpoint-data.json"),
		"reconcile.batch_size": 40,
	}
	cfg := loadConfig(t, checkpoint.ModeReconcile, config.ReconcileDefaults, set)

	summary, err := New(Options{Mode: checkpoint.ModeReconcile, Config: cfg}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200), summary.TotalProcessed)
	assert.Equal(t, uint64(2), summary.Backfilled)
	assert.Equal(t, clienttest.Range(1, 200), outputIDs(t, cfg.Output))

	t.Run("resume after completion writes nothing", func(t *testing.T) {
		before, err := os.ReadFile(cfg.Output)
		require.NoError(t, err)

		summary, err := New(Options{Mode: checkpoint.ModeReconcile, Config: cfg}).Run(context.Background())
		require.NoError(t, err)
		assert.True(t, summary.Resumed)
		assert.Equal(t, uint64(200), summary.TotalProcessed)

		after, err := os.ReadFile(cfg.Output)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("start id forces a fresh run", func(t *testing.T) {
		set["start_id"] = 101
		cfg := loadConfig(t, checkpoint.ModeReconcile, config.ReconcileDefaults, set)

		summary, err := New(Options{Mode: checkpoint.ModeReconcile, Config: cfg, FreshStart: true}).Run(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Resumed)
		assert.Equal(t, uint64(100), summary.TotalProcessed)
		assert.Equal(t, clienttest.Range(101, 200), outputIDs(t, cfg.Output))
	})
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := loadConfig(t, checkpoint.ModeBulk, config.FetchDefaults, nil)
	cfg.Sources = nil

	_, err := New(Options{Mode: checkpoint.ModeBulk, Config: cfg}).Run(context.Background())
	assert.ErrorContains(t, err, "at least one source is required")

	_, err = New(Options{Mode: checkpoint.ModeBulk}).Run(context.Background())
	assert.Error(t, err)
}

func TestRunRejectsCheckpointFromOtherMode(t *testing.T) {
	table := clienttest.NewTable(clienttest.Range(1, 50), clienttest.Behavior{})
	defer table.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "in.csv")
	writeCSV(t, input, clienttest.Range(1, 50))
	path := filepath.Join(dir, "checkpoint.json")

	cfg := loadConfig(t, checkpoint.ModeReconcile, config.ReconcileDefaults, map[string]interface{}{
		"sources":         []string{table.URL()},
		"input":           input,
		"output":          filepath.Join(dir, "out.csv"),
		"checkpoint.path": path,
	})
	store, err := checkpoint.NewFileStore(path, checkpoint.ConfigHash(cfg.Fingerprint(checkpoint.ModeReconcile)))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &checkpoint.Checkpoint{Mode: checkpoint.ModeBulk}))

	_, err = New(Options{Mode: checkpoint.ModeReconcile, Config: cfg}).Run(context.Background())
	assert.ErrorContains(t, err, "bulk mode")
}

func TestScanFloor(t *testing.T) {
	r := New(Options{Mode: checkpoint.ModeReconcile})
	cfg := &config.Config{StartID: 500}

	floor, ok := r.scanFloor(cfg, &checkpoint.Checkpoint{LastProcessedID: 42})
	assert.Equal(t, uint64(42), floor)
	assert.True(t, ok)

	_, ok = r.scanFloor(cfg, &checkpoint.Checkpoint{})
	assert.False(t, ok)

	_, ok = r.scanFloor(cfg, nil)
	assert.False(t, ok)

	r.opts.FreshStart = true
	floor, ok = r.scanFloor(cfg, nil)
	assert.Equal(t, uint64(499), floor)
	assert.True(t, ok)
}
