package sink

import (
	"context"
	"database/sql"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/pkg/errors"
)

const duckdbDDL = `
CREATE TABLE IF NOT EXISTS %s (
    id UBIGINT PRIMARY KEY,
    txid VARCHAR NOT NULL,
    output_index BIGINT NOT NULL,
    scriptpubkey VARCHAR NOT NULL,
    value BIGINT NOT NULL
)`

var duckdbDialect = dialect{
	name:        "duckdb",
	placeholder: questionMark,
	insert:      "INSERT OR IGNORE INTO",
	chunk:       500,
}

// NewDuckDB opens (creating if needed) a DuckDB mirror at path.
func NewDuckDB(ctx context.Context, path, table string) (Mirror, error) {
	db, err := sql.Open("duckdb", path+"?access_mode=READ_WRITE")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open DuckDB")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping DuckDB")
	}

	m := newSQLMirror(db, table, duckdbDialect)
	if err := m.createTable(ctx, duckdbDDL); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}
