package record

import (
	"fmt"
	"strconv"
)

// Header is the column layout shared by the input and output datasets.
var Header = []string{"id", "txid", "index", "scriptpubkey", "value"}

// Row renders the record as a delimited row in Header order.
func (r Record) Row() []string {
	return []string{
		strconv.FormatUint(r.ID, 10),
		r.TxID,
		strconv.FormatInt(r.Index, 10),
		r.ScriptPubKey,
		strconv.FormatInt(r.Value, 10),
	}
}

// FromRow parses a delimited row in Header order.
func FromRow(row []string) (Record, error) {
	if len(row) < len(Header) {
		return Record{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(row))
	}
	id, err := strconv.ParseUint(row[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid id %q: %w", row[0], err)
	}
	index, err := strconv.ParseInt(row[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid index %q for id %d: %w", row[2], id, err)
	}
	value, err := strconv.ParseInt(row[4], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid value %q for id %d: %w", row[4], id, err)
	}
	return Record{
		ID:           id,
		TxID:         row[1],
		Index:        index,
		ScriptPubKey: row[3],
		Value:        value,
	}, nil
}

// IsHeader reports whether row is the header line.
func IsHeader(row []string) bool {
	return len(row) > 0 && row[0] == Header[0]
}
