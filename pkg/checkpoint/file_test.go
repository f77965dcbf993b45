package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileStore(t *testing.T) {
	_, err := NewFileStore("", "h")
	assert.Error(t, err)

	s, err := NewFileStore(filepath.Join(t.TempDir(), "cp.json"), "h")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestFileStoreLoadMissing(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "cp.json"), "h")
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	s, err := NewFileStore(path, ConfigHash(map[string]string{"mode": "bulk"}))
	require.NoError(t, err)

	want := &Checkpoint{
		Mode:            ModeBulk,
		Ranges:          []Range{{Lower: 501, Upper: 1000}, {Lower: 2501, Upper: 2500}},
		LastProcessedID: 500,
		TotalProcessed:  500,
		OutputOffset:    12345,
	}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckpointVersion, got.Version)
	assert.Equal(t, want.Ranges, got.Ranges)
	assert.Equal(t, want.LastProcessedID, got.LastProcessedID)
	assert.Equal(t, want.TotalProcessed, got.TotalProcessed)
	assert.Equal(t, want.OutputOffset, got.OutputOffset)
	assert.False(t, got.Ranges[0].Exhausted())
	assert.True(t, got.Ranges[1].Exhausted())

	// caller's value is not mutated by stamping
	assert.Empty(t, want.Version)
}

func TestRangeJSONShape(t *testing.T) {
	data, err := json.Marshal(Checkpoint{Mode: ModeBulk, Ranges: []Range{{Lower: 1, Upper: 1000}}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ranges":[[1,1000]]`)

	var r Range
	assert.Error(t, json.Unmarshal([]byte(`[1,2,3]`), &r))
}

func TestFileStoreRejectsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	s, err := NewFileStore(path, "h")
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing version":    `{"mode":"reconcile"}`,
		"unknown mode":       `{"version":"1.0","mode":"sideways"}`,
		"bulk without range": `{"version":"1.0","mode":"bulk"}`,
		"negative offset":    `{"version":"1.0","mode":"reconcile","output_offset":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cp.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			s, err := NewFileStore(path, "h")
			require.NoError(t, err)
			_, err = s.Load(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestFileStoreConfigChangeIsNotFatal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.json")

	first, err := NewFileStore(path, ConfigHash(map[string]int{"batch_size": 1000}))
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, &Checkpoint{Mode: ModeReconcile, LastProcessedID: 42, TotalProcessed: 42}))

	second, err := NewFileStore(path, ConfigHash(map[string]int{"batch_size": 500}))
	require.NoError(t, err)
	cp, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cp.LastProcessedID)
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteAtomic(path, []byte("one")))
	require.NoError(t, WriteAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConfigHash(t *testing.T) {
	assert.Equal(t, "no-config", ConfigHash(nil))
	a := ConfigHash(map[string]int{"x": 1})
	assert.Len(t, a, 16)
	assert.Equal(t, a, ConfigHash(map[string]int{"x": 1}))
	assert.NotEqual(t, a, ConfigHash(map[string]int{"x": 2}))
}
