package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageClient(t *testing.T) {
	c, err := NewStorageClient(context.Background(), StorageConfig{Type: "FS", LocalPath: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, c.Close())

	_, err = NewStorageClient(context.Background(), StorageConfig{Type: "UNSUPPORTED"})
	assert.EqualError(t, err, "unsupported storage type: UNSUPPORTED")
}

func TestLocalFSClient(t *testing.T) {
	dir := t.TempDir()
	c, err := NewLocalFSClient(dir)
	require.NoError(t, err)

	require.NoError(t, c.Write(context.Background(), "a/b/seg.parquet", []byte("data")))
	got, err := os.ReadFile(filepath.Join(dir, "a", "b", "seg.parquet"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	assert.Error(t, c.Write(context.Background(), "/etc/passwd", []byte("x")))
	assert.Error(t, c.Write(context.Background(), "../escape", []byte("x")))

	entries, err := os.ReadDir(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type flakyStorage struct {
	failures int
	writes   int
}

func (f *flakyStorage) Write(context.Context, string, []byte) error {
	f.writes++
	if f.writes <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func (f *flakyStorage) Close() error { return nil }

func TestRetryableStorageClient(t *testing.T) {
	var delays []time.Duration
	noSleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	f := &flakyStorage{failures: 2}
	r := NewRetryableStorageClient(f, 3)
	r.sleep = noSleep
	require.NoError(t, r.Write(context.Background(), "k", nil))
	assert.Equal(t, 3, f.writes)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	f = &flakyStorage{failures: 10}
	r = NewRetryableStorageClient(f, 2)
	r.sleep = noSleep
	assert.Error(t, r.Write(context.Background(), "k", nil))
	assert.Equal(t, 3, f.writes)
}
