package cleaner

import (
	"strings"

	"github.com/ignite/email-validator/internal/domain"
)

// Flags records which rule families matched an address.
type Flags struct {
	Excluded bool `json:"excluded,omitempty"`
	Contains bool `json:"contains,omitempty"`
	EndsWith bool `json:"endswith,omitempty"`
	Domain   bool `json:"domain,omitempty"`
}

// MatchResult annotates why an address would be removed.
type MatchResult struct {
	Matched        bool   `json:"matched"`
	Flags          Flags  `json:"flags"`
	MatchedKeyword string `json:"matched_keyword,omitempty"`
	MatchedDomain  string `json:"matched_domain,omitempty"`
}

// Reason maps the first matched rule family to a removal reason.
func (m MatchResult) Reason() string {
	switch {
	case m.Flags.Contains:
		return domain.ReasonContainsKeyword
	case m.Flags.EndsWith:
		return domain.ReasonEndsWithRule
	case m.Flags.Domain:
		return domain.ReasonDomainRule
	}
	return ""
}

// MatchRules classifies email against rules without rewriting it.
func MatchRules(email string, rules RuleSet) MatchResult {
	lc := strings.ToLower(email)
	d := ""
	if parts := strings.Split(lc, "@"); len(parts) > 1 {
		d = parts[1]
	}

	var res MatchResult
	res.Flags.Excluded = containsAny(lc, rules.Excludes)

	for _, c := range rules.Contains {
		if c != "" && strings.Contains(lc, strings.ToLower(c)) {
			res.Flags.Contains = true
			res.MatchedKeyword = c
			break
		}
	}
	for _, e := range rules.EndsWith {
		if e != "" && strings.HasSuffix(lc, strings.ToLower(e)) {
			res.Flags.EndsWith = true
			res.MatchedKeyword = e
			break
		}
	}
	for _, dom := range rules.Domains {
		if d == strings.ToLower(dom) {
			res.Flags.Domain = true
			res.MatchedDomain = dom
			break
		}
	}

	res.Matched = res.Flags.Contains || res.Flags.EndsWith || res.Flags.Domain
	return res
}
