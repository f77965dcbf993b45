// Package record holds the row type that flows through the ingestion engine
// and the batch/span helpers used for ordering and gap detection.
package record

import (
	"slices"
)

// Record is a single UTXO row. The engine only interprets ID; every other
// field is copied verbatim from the source table.
type Record struct {
	ID           uint64 `json:"id"`
	TxID         string `json:"txid"`
	Index        int64  `json:"index"`
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

// Span is the closed interval [Lower, Upper] of identifiers.
type Span struct {
	Lower uint64
	Upper uint64
}

// Len returns the number of identifiers covered by the span.
func (s Span) Len() uint64 {
	if s.Upper < s.Lower {
		return 0
	}
	return s.Upper - s.Lower + 1
}

// Contains reports whether id falls inside the span.
func (s Span) Contains(id uint64) bool {
	return id >= s.Lower && id <= s.Upper
}

// Batch is a bounded window of records processed as one unit.
type Batch struct {
	Records []Record
	// Seq numbers batches in the order a source produced them.
	Seq uint64
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Span returns [min(id), max(id)] of the batch. ok is false for an empty batch.
func (b Batch) Span() (span Span, ok bool) {
	if len(b.Records) == 0 {
		return Span{}, false
	}
	span = Span{Lower: b.Records[0].ID, Upper: b.Records[0].ID}
	for _, r := range b.Records[1:] {
		if r.ID < span.Lower {
			span.Lower = r.ID
		}
		if r.ID > span.Upper {
			span.Upper = r.ID
		}
	}
	return span, true
}

// Sort orders the batch by ascending ID.
func (b *Batch) Sort() {
	SortByID(b.Records)
}

// Last returns the highest-positioned record. Callers sort first.
func (b Batch) Last() (Record, bool) {
	if len(b.Records) == 0 {
		return Record{}, false
	}
	return b.Records[len(b.Records)-1], true
}

// SortByID sorts records by ascending ID in place.
func SortByID(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
