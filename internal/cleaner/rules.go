package cleaner

// RuleSet is one rule row; lists are matched case-insensitively.
type RuleSet struct {
	Contains []string `json:"contains"`
	EndsWith []string `json:"endswith"`
	Domains  []string `json:"domains"`
	Excludes []string `json:"excludes"`
}

// Empty reports whether the set contains no rules at all.
func (r RuleSet) Empty() bool {
	return len(r.Contains) == 0 && len(r.EndsWith) == 0 && len(r.Domains) == 0 && len(r.Excludes) == 0
}

// Merge unions rule sets in the given order. Callers pass sets already sorted
// by priority so that first-match semantics prefer higher priority entries.
func Merge(sets ...RuleSet) RuleSet {
	var out RuleSet
	for _, s := range sets {
		out.Contains = append(out.Contains, s.Contains...)
		out.EndsWith = append(out.EndsWith, s.EndsWith...)
		out.Domains = append(out.Domains, s.Domains...)
		out.Excludes = append(out.Excludes, s.Excludes...)
	}
	return out
}
