package importer

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/nowcrm/dal/internal/jobs"
)

// FailedItemsCSV writes the failed-row report for a job. It is built on
// demand from the stored failure list, never pre-materialized.
func FailedItemsCSV(items []jobs.FailedItem, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"value", "reason"}); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}
	for _, item := range items {
		if err := cw.Write([]string{item.Value, item.Reason}); err != nil {
			return fmt.Errorf("write report row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
