package importer

import (
	"regexp"
	"sort"
	"strings"
)

// FieldMatch assigns one source header to a template field. Target is
// empty for headers nothing matched; the caller corrects those by hand.
type FieldMatch struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Conflict is one template field claimed by several source headers.
// Submissions with conflicts are rejected until the caller resolves
// them.
type Conflict struct {
	Target  string   `json:"target"`
	Sources []string `json:"sources"`
}

// TemplateFields returns the ordered template for an entity kind, or
// nil for entities without an import template.
func TemplateFields(entity string) []string {
	switch entity {
	case "contacts":
		return []string{
			"email", "first_name", "last_name", "phone", "company",
			"country", "city", "address", "zip", "birthday", "language", "source",
		}
	case "organizations":
		return []string{
			"name", "email", "phone", "website", "country", "city",
			"address", "vat_number",
		}
	default:
		return nil
	}
}

var separators = regexp.MustCompile(`[\s_-]+`)

// normalizeHeader lower-cases and strips whitespace, underscores and
// hyphens so "First Name", "first_name" and "first-name" compare equal.
func normalizeHeader(s string) string {
	return separators.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
}

// SuggestMapping proposes a template field for each source header: exact
// normalized match first, then bidirectional substring containment,
// then Levenshtein distance accepted only when at most 3 and strictly
// better than every other candidate. Pure; running it twice on the same
// input yields the same result.
func SuggestMapping(headers, template []string) []FieldMatch {
	matches := make([]FieldMatch, len(headers))
	for i, header := range headers {
		matches[i] = FieldMatch{Source: header, Target: matchField(header, template)}
	}
	return matches
}

func matchField(header string, template []string) string {
	norm := normalizeHeader(header)
	if norm == "" {
		return ""
	}

	for _, field := range template {
		if normalizeHeader(field) == norm {
			return field
		}
	}

	for _, field := range template {
		fn := normalizeHeader(field)
		if strings.Contains(fn, norm) || strings.Contains(norm, fn) {
			return field
		}
	}

	best, bestDist, unique := "", -1, false
	for _, field := range template {
		d := levenshtein(norm, normalizeHeader(field))
		switch {
		case bestDist == -1 || d < bestDist:
			best, bestDist, unique = field, d, true
		case d == bestDist:
			unique = false
		}
	}
	if bestDist >= 0 && bestDist <= 3 && unique {
		return best
	}
	return ""
}

// levenshtein is the classic two-row edit distance.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// MappingConflicts finds template fields assigned to more than one
// surviving source header. Headers in deleted are excluded before the
// check; an empty target never conflicts.
func MappingConflicts(mapping map[string]string, deleted []string) []Conflict {
	dropped := make(map[string]bool, len(deleted))
	for _, h := range deleted {
		dropped[h] = true
	}

	byTarget := make(map[string][]string)
	for source, target := range mapping {
		if target == "" || dropped[source] {
			continue
		}
		byTarget[target] = append(byTarget[target], source)
	}

	var conflicts []Conflict
	for target, sources := range byTarget {
		if len(sources) < 2 {
			continue
		}
		sort.Strings(sources)
		conflicts = append(conflicts, Conflict{Target: target, Sources: sources})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Target < conflicts[j].Target })
	return conflicts
}
