package finding

import (
	"sort"
	"strings"
)

// Filter narrows a finding listing. Empty fields match everything.
type Filter struct {
	Category string
	SourceID string
	// Query is a case-insensitive substring matched against value, rule name and source
	Query string
	Limit int
}

// Match reports whether f passes the filter
func (flt Filter) Match(f Finding) bool {
	if flt.Category != "" && !strings.EqualFold(f.Category, flt.Category) {
		return false
	}
	if flt.SourceID != "" && f.SourceID != flt.SourceID {
		return false
	}
	if flt.Query != "" {
		q := strings.ToLower(flt.Query)
		if !strings.Contains(strings.ToLower(f.Value), q) &&
			!strings.Contains(strings.ToLower(f.RuleName), q) &&
			!strings.Contains(strings.ToLower(f.SourceID), q) {
			return false
		}
	}
	return true
}

// Apply filters and orders findings by first sighting, oldest first
func (flt Filter) Apply(in []Finding) []Finding {
	out := make([]Finding, 0, len(in))
	for _, f := range in {
		if flt.Match(f) {
			out = append(out, f)
		}
	}
	SortByFirstSeen(out)
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out
}

// SortByFirstSeen orders findings oldest first, breaking ties by key
func SortByFirstSeen(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].FirstSeen.Equal(fs[j].FirstSeen) {
			return fs[i].Key < fs[j].Key
		}
		return fs[i].FirstSeen.Before(fs[j].FirstSeen)
	})
}

// GroupValues returns display values grouped by category, the export layout of the results panel
func GroupValues(fs []Finding) map[string][]string {
	out := make(map[string][]string)
	for _, f := range fs {
		out[f.Category] = append(out[f.Category], f.Value)
	}
	return out
}
