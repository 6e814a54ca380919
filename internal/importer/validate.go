package importer

// SkippedRow records a row the validator rejected, by 1-based position.
type SkippedRow struct {
	Position int    `json:"position"`
	Reason   string `json:"reason"`
}

// Validation is the validator's verdict over a parsed file.
type Validation struct {
	Valid   []Row
	Skipped []SkippedRow
	// NoRequiredFields flags that the caller configured no required
	// fields, so nothing was skipped.
	NoRequiredFields bool
}

// sourcesForTargets inverts the header→field mapping for the given
// target fields, preserving the targets' order.
func sourcesForTargets(mapping map[string]string, targets []string) []string {
	var sources []string
	for _, target := range targets {
		for source, t := range mapping {
			if t == target {
				sources = append(sources, source)
			}
		}
	}
	return sources
}

// UnmappedRequired returns the required target fields that no header
// maps to. A required field outside the mapping would skip every row,
// so submissions carrying one are rejected before a job is created.
func UnmappedRequired(mapping map[string]string, required []string) []string {
	mapped := make(map[string]bool, len(mapping))
	for _, target := range mapping {
		mapped[target] = true
	}
	var missing []string
	for _, target := range required {
		if !mapped[target] {
			missing = append(missing, target)
		}
	}
	return missing
}

// ValidateRows keeps rows with at least one non-empty value in a
// required column. With no required fields every row passes and the
// result carries a warning flag.
func ValidateRows(rows []Row, mapping map[string]string, required []string) Validation {
	if len(required) == 0 {
		return Validation{Valid: rows, NoRequiredFields: true}
	}

	sources := sourcesForTargets(mapping, required)

	v := Validation{}
	for _, row := range rows {
		keep := false
		for _, source := range sources {
			if row.Value(source) != "" {
				keep = true
				break
			}
		}
		if keep {
			v.Valid = append(v.Valid, row)
		} else {
			v.Skipped = append(v.Skipped, SkippedRow{
				Position: row.Position,
				Reason:   "all required fields empty",
			})
		}
	}
	return v
}
