// Package importer implements the CSV ingestion pipeline: parsing,
// header-to-field mapping suggestion, row validation, cascading
// deduplication and the failed-row report.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Row is one parsed CSV line. Position is 1-based and counts data rows
// (the header line is position 0, never returned). Values is keyed by
// the original header text.
type Row struct {
	Position int
	Values   map[string]string
}

// Value returns the trimmed cell under header, or "" when absent.
func (r Row) Value(header string) string {
	return strings.TrimSpace(r.Values[header])
}

// ParseCSV reads the whole file into headers and rows. Ragged lines are
// tolerated: short rows leave trailing columns empty, long rows drop the
// overflow. Fully empty lines are skipped.
func ParseCSV(r io.Reader) ([]string, []Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	headers := make([]string, len(header))
	for i, h := range header {
		headers[i] = strings.TrimSpace(h)
	}

	var rows []Row
	position := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", position+1, err)
		}

		empty := true
		values := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(record) {
				v := strings.TrimSpace(record[i])
				values[h] = v
				if v != "" {
					empty = false
				}
			} else {
				values[h] = ""
			}
		}
		if empty {
			continue
		}

		position++
		rows = append(rows, Row{Position: position, Values: values})
	}
	return headers, rows, nil
}
