package sink

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS %s (
    id BIGINT PRIMARY KEY,
    txid TEXT NOT NULL,
    output_index BIGINT NOT NULL,
    scriptpubkey TEXT NOT NULL,
    value BIGINT NOT NULL
)`

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: dollar,
	insert:      "INSERT INTO",
	conflict:    " ON CONFLICT (id) DO NOTHING",
	chunk:       1000,
}

// NewPostgres opens a PostgreSQL mirror using a lib/pq connection string and
// creates the table if needed.
func NewPostgres(ctx context.Context, dsn, table string) (Mirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PostgreSQL")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping PostgreSQL")
	}
	return newPostgresMirror(ctx, db, table)
}

func newPostgresMirror(ctx context.Context, db *sql.DB, table string) (*sqlMirror, error) {
	m := newSQLMirror(db, table, postgresDialect)
	if err := m.createTable(ctx, postgresDDL); err != nil {
		return nil, err
	}
	return m, nil
}
