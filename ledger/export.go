package ledger

import (
	"encoding/json"
	"fmt"
	"io"
)

// Export writes the ledger as a JSON array of records.
func (l *Ledger) Export(w io.Writer) error {
	records := l.records
	if records == nil {
		records = []Record{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		return fmt.Errorf("export changes: %w", err)
	}
	return nil
}

// Decode reads records written by Export.
func Decode(r io.Reader) ([]Record, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("import changes: %w", err)
	}
	for i, rec := range records {
		if rec.Collection == "" {
			return nil, fmt.Errorf("import changes: record %d has no collection", i+1)
		}
	}
	return records, nil
}
