package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/pkg/record"
)

const defaultTable = "utxos"

var columns = []string{"id", "txid", "output_index", "scriptpubkey", "value"}

// dialect captures the differences between the database/sql mirrors.
type dialect struct {
	name string
	// placeholder returns the bind marker for 1-based parameter n.
	placeholder func(n int) string
	// insert is the statement prefix up to and including the column list.
	insert string
	// conflict is appended after VALUES to ignore ids already present.
	conflict string
	// chunk bounds the rows per statement.
	chunk int
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// sqlMirror writes records into a table keyed by id.
type sqlMirror struct {
	db      *sql.DB
	table   string
	dialect dialect
	logger  *logrus.Entry
}

func newSQLMirror(db *sql.DB, table string, d dialect) *sqlMirror {
	if table == "" {
		table = defaultTable
	}
	return &sqlMirror{
		db:      db,
		table:   table,
		dialect: d,
		logger:  logrus.WithFields(logrus.Fields{"component": "sink", "sink": d.name, "table": table}),
	}
}

func (m *sqlMirror) Name() string { return m.dialect.name }

// statement builds a multi-row insert for n rows.
func (m *sqlMirror) statement(n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s) VALUES ", m.dialect.insert, m.table, strings.Join(columns, ", "))
	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.dialect.placeholder(p))
			p++
		}
		b.WriteByte(')')
	}
	b.WriteString(m.dialect.conflict)
	return b.String()
}

// Write inserts records in one transaction, ignoring ids already stored.
func (m *sqlMirror) Write(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for start := 0; start < len(records); start += m.dialect.chunk {
		end := start + m.dialect.chunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		args := make([]interface{}, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			args = append(args, int64(r.ID), r.TxID, r.Index, r.ScriptPubKey, r.Value)
		}
		if _, err := tx.ExecContext(ctx, m.statement(len(chunk)), args...); err != nil {
			return errors.Wrapf(err, "failed to insert ids %d-%d", chunk[0].ID, chunk[len(chunk)-1].ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	m.logger.Debugf("Mirrored %d records", len(records))
	return nil
}

func (m *sqlMirror) Close() error {
	return m.db.Close()
}

func (m *sqlMirror) createTable(ctx context.Context, ddl string) error {
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(ddl, m.table)); err != nil {
		return errors.Wrapf(err, "failed to create %s table", m.table)
	}
	return nil
}
