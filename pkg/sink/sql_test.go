package sink

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLMirrorStatement(t *testing.T) {
	m := newSQLMirror(nil, "", postgresDialect)
	assert.Equal(t,
		"INSERT INTO utxos (id, txid, output_index, scriptpubkey, value) VALUES ($1, $2, $3, $4, $5), ($6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING",
		m.statement(2))

	m = newSQLMirror(nil, "outs", sqliteDialect)
	assert.Equal(t,
		"INSERT OR IGNORE INTO outs (id, txid, output_index, scriptpubkey, value) VALUES (?, ?, ?, ?, ?)",
		m.statement(1))
}

func TestPostgresMirrorWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS utxos").WillReturnResult(sqlmock.NewResult(0, 0))
	m, err := newPostgresMirror(context.Background(), db, "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", m.Name())

	m.dialect.chunk = 2
	recs := rows(10, 11, 12)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO utxos (id, txid, output_index, scriptpubkey, value) VALUES ($1, $2, $3, $4, $5), ($6")).
		WithArgs(int64(10), "tx", int64(0), "00", int64(10), int64(11), "tx", int64(1), "00", int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING")).
		WithArgs(int64(12), "tx", int64(0), "00", int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Write(context.Background(), recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMirrorRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	m, err := newPostgresMirror(context.Background(), db, "utxos")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO utxos").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	assert.Error(t, m.Write(context.Background(), rows(1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMirrorEmptyWriteIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := newSQLMirror(db, "", postgresDialect)
	require.NoError(t, m.Write(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteMirrorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.sqlite")

	m, err := NewSQLite(ctx, path, "")
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, rows(1, 2, 3)))
	require.NoError(t, m.Write(ctx, rows(2, 3, 4)))

	db := m.(*sqlMirror).db
	var count, maxID int64
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*), MAX(id) FROM utxos").Scan(&count, &maxID))
	assert.Equal(t, int64(4), count)
	assert.Equal(t, int64(4), maxID)
	require.NoError(t, m.Close())
}
