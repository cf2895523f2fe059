package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedJSON = errors.New("file is not valid JSON")
	ErrMissingTable  = errors.New("table key not found")
	ErrNotArray      = errors.New("table value is not an array")
	ErrEmptyTable    = errors.New("table array is empty")
	ErrNotRecord     = errors.New("table row is not a flat record")
)

// ExtractRecords parses a submission file and returns the rows stored under
// the key exactly equal to table. Numbers are kept as json.Number so codes
// keep their textual form.
func ExtractRecords(data []byte, table string) ([]map[string]any, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !json.Valid(data) {
		return nil, ErrMalformedJSON
	}
	var document map[string]json.RawMessage
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrMissingTable)
	}

	raw, ok := document[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingTable, table)
	}

	var rows []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: %q", ErrNotArray, table)
	}
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyTable, table)
	}

	records := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		rowDecoder := json.NewDecoder(bytes.NewReader(row))
		rowDecoder.UseNumber()
		var record map[string]any
		if err := rowDecoder.Decode(&record); err != nil || record == nil {
			return nil, fmt.Errorf("%w: row %d", ErrNotRecord, i+1)
		}
		for key, value := range record {
			switch value.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("%w: row %d field %s is nested", ErrNotRecord, i+1, key)
			}
		}
		records = append(records, record)
	}
	return records, nil
}
