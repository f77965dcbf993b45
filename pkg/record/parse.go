package record

import (
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ParseRows extracts records from a get_table_rows response body.
//
// Rows may be wrapped as {"data": {...}} or returned bare, and numeric
// columns may be encoded as JSON numbers or strings.
func ParseRows(body []byte) ([]Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	rows := gjson.GetBytes(body, "rows")
	if !rows.Exists() {
		return nil, errors.New("response has no rows field")
	}

	records := make([]Record, 0, len(rows.Array()))
	var parseErr error
	rows.ForEach(func(_, row gjson.Result) bool {
		data := row.Get("data")
		if !data.Exists() || !data.IsObject() {
			data = row
		}
		id := data.Get("id")
		if !id.Exists() {
			parseErr = errors.Errorf("row without id: %s", row.Raw)
			return false
		}
		records = append(records, Record{
			ID:           id.Uint(),
			TxID:         data.Get("txid").String(),
			Index:        data.Get("index").Int(),
			ScriptPubKey: data.Get("scriptpubkey").String(),
			Value:        data.Get("value").Int(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return records, nil
}
