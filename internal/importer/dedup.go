package importer

import "sort"

// Deduplicate applies cascading key reduction over the required target
// fields, in the caller's order. Rows that collide on the first field's
// normalized value are discriminated by the next field, and so on; a
// row is dropped only when it collides on every required field with an
// earlier row. Rows with no value for the current key pass through.
// Surviving rows keep file order. With no required fields this is a
// no-op.
func Deduplicate(rows []Row, mapping map[string]string, requiredOrder []string) ([]Row, int) {
	keys := sourcesForTargets(mapping, requiredOrder)
	if len(keys) == 0 || len(rows) < 2 {
		return rows, 0
	}

	kept := dedupe(rows, keys)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Position < kept[j].Position })
	return kept, len(rows) - len(kept)
}

func dedupe(rows []Row, keys []string) []Row {
	if len(keys) == 0 {
		// All keys exhausted with a collision on each: first in file
		// order survives.
		return rows[:1]
	}

	key := keys[0]
	var kept []Row
	groups := make(map[string][]Row)
	var order []string

	for _, row := range rows {
		v := normalizeHeader(row.Value(key))
		if v == "" {
			kept = append(kept, row)
			continue
		}
		if _, seen := groups[v]; !seen {
			order = append(order, v)
		}
		groups[v] = append(groups[v], row)
	}

	for _, v := range order {
		group := groups[v]
		if len(group) == 1 {
			kept = append(kept, group[0])
			continue
		}
		kept = append(kept, dedupe(group, keys[1:])...)
	}
	return kept
}
