package cleaner

import "strings"

// Strategy selects how aggressively local parts are canonicalized.
type Strategy string

const (
	StrategyNone          Strategy = "none"
	StrategyGmailDotStrip Strategy = "gmail_dot_strip"
	StrategyPlusTagStrip  Strategy = "plus_tag_strip"
	StrategyGmailFull     Strategy = "gmail_full"
)

// Normalized is the canonical form of an address.
type Normalized struct {
	Normalized string
	Local      string
	Domain     string
	Strategy   Strategy
}

// Normalize lower-cases and trims raw, then applies strategy. Input without a
// local part or domain is passed through with the strategy downgraded to none.
func Normalize(raw string, strategy Strategy) Normalized {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	parts := strings.Split(trimmed, "@")
	local := parts[0]
	domain := ""
	if len(parts) > 1 {
		domain = parts[1]
	}
	if local == "" || domain == "" {
		return Normalized{Normalized: trimmed, Local: local, Domain: domain, Strategy: StrategyNone}
	}

	if strategy == StrategyGmailDotStrip || strategy == StrategyGmailFull {
		if domain == "gmail.com" {
			local = strings.ReplaceAll(local, ".", "")
		}
	}
	if strategy == StrategyPlusTagStrip || strategy == StrategyGmailFull {
		if i := strings.Index(local, "+"); i >= 0 {
			local = local[:i]
		}
	}
	if strategy == "" {
		strategy = StrategyNone
	}
	return Normalized{Normalized: local + "@" + domain, Local: local, Domain: domain, Strategy: strategy}
}
