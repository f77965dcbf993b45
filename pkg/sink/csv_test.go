package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

func rows(ids ...uint64) []record.Record {
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, record.Record{ID: id, TxID: "tx", Index: int64(id % 2), ScriptPubKey: "00", Value: int64(id)})
	}
	return out
}

func TestCSVWritesHeaderOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "utxos.csv")

	c, err := NewCSV(path, true)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, rows(1, 2)))
	require.NoError(t, c.Close())

	c, err = NewCSV(path, false)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, rows(3)))
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,txid,index,scriptpubkey,value\n1,tx,1,00,1\n2,tx,0,00,2\n3,tx,1,00,3\n", string(data))
}

func TestCSVOffsetAndTruncate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "utxos.csv")

	c, err := NewCSV(path, false)
	require.NoError(t, err)
	defer c.Close()

	headerOnly, err := c.Offset()
	require.NoError(t, err)
	assert.Equal(t, int64(len("id,txid,index,scriptpubkey,value\n")), headerOnly)

	require.NoError(t, c.Append(ctx, rows(1, 2)))
	mark, err := c.Offset()
	require.NoError(t, err)

	require.NoError(t, c.Append(ctx, rows(3, 4)))
	require.NoError(t, c.Truncate(mark))
	require.NoError(t, c.Append(ctx, rows(3)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,txid,index,scriptpubkey,value\n1,tx,1,00,1\n2,tx,0,00,2\n3,tx,1,00,3\n", string(data))

	assert.Error(t, c.Truncate(1<<30))
	assert.Error(t, c.Truncate(-1))
}

func TestCSVTruncateToZeroRewritesHeader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "utxos.csv")

	c, err := NewCSV(path, false)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, rows(5, 6)))
	require.NoError(t, c.Truncate(0))
	require.NoError(t, c.Append(ctx, rows(1)))
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,txid,index,scriptpubkey,value\n1,tx,1,00,1\n", string(data))
}

func TestNewCSVRequiresPath(t *testing.T) {
	_, err := NewCSV("", false)
	assert.Error(t, err)
}
