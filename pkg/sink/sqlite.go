package sink

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER NOT NULL PRIMARY KEY,
    txid TEXT NOT NULL,
    output_index INTEGER NOT NULL,
    scriptpubkey TEXT NOT NULL,
    value INTEGER NOT NULL
)`

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: questionMark,
	insert:      "INSERT OR IGNORE INTO",
	chunk:       500,
}

// NewSQLite opens (creating if needed) a SQLite mirror at path.
func NewSQLite(ctx context.Context, path, table string) (Mirror, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite")
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping SQLite")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set SQLite pragmas")
	}

	m := newSQLMirror(db, table, sqliteDialect)
	if err := m.createTable(ctx, sqliteDDL); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}
