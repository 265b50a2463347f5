package cleaner

import (
	"regexp"
	"strings"

	"github.com/ignite/email-validator/internal/domain"
)

var (
	emailPattern      = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	quotePattern      = regexp.MustCompile(`["'<>]`)
	mailtoPattern     = regexp.MustCompile(`(?i)mailto\s*:?`)
	unicodeEscPattern = regexp.MustCompile(`(?i)u003`)
	spacePattern      = regexp.MustCompile(`\s+`)
)

// suffixRepair rewrites a known-bad TLD fragment. Order matters: repairs are
// applied in sequence and each one sees the output of the previous.
type suffixRepair struct {
	bad  string
	good string
}

var suffixRepairs = []suffixRepair{
	{".c", ".com"},
	{".co", ".com"},
	{".cc", ".com"},
	{".commom", ".com"},
	{".n", ".net"},
	{".ne", ".net"},
	{".o", ".org"},
	{".or", ".org"},
	{".b", ".biz"},
	{".bi", ".biz"},
	{".u", ".us"},
}

type trailingRepair struct {
	tld     string
	pattern *regexp.Regexp
}

var trailingRepairs = func() []trailingRepair {
	tlds := []string{".com", ".net", ".org", ".biz", ".us", ".ca"}
	out := make([]trailingRepair, 0, len(tlds))
	for _, tld := range tlds {
		out = append(out, trailingRepair{
			tld:     tld,
			pattern: regexp.MustCompile(`(` + regexp.QuoteMeta(tld) + `)([a-zA-Z0-9]+)$`),
		})
	}
	return out
}()

// Result is the outcome of Clean.
type Result struct {
	Cleaned string // empty when removed
	Status  string
	Reason  string
	Domain  string
}

// Removed reports whether the address was filtered out.
func (r Result) Removed() bool { return !domain.IsEligible(r.Status) }

func stripGarbage(raw string) string {
	s := strings.TrimSpace(raw)
	s = quotePattern.ReplaceAllString(s, "")
	s = mailtoPattern.ReplaceAllString(s, "")
	s = unicodeEscPattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func repairDomain(d string) (string, []string) {
	var tags []string
	for _, r := range suffixRepairs {
		if strings.HasSuffix(d, r.bad) {
			d = strings.TrimSuffix(d, r.bad) + r.good
			tags = append(tags, r.bad+"->"+r.good)
		}
	}
	for _, r := range trailingRepairs {
		if m := r.pattern.FindStringSubmatch(d); m != nil {
			d = d[:len(d)-len(m[2])]
			tags = append(tags, "strip-after-"+r.tld)
		}
	}
	return d, tags
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func removed(reason, d string) Result {
	return Result{Status: domain.Removed(reason), Reason: reason, Domain: d}
}

// Clean runs the destructive cleaning pipeline over raw. The first failing
// step decides the removal reason; otherwise the repaired address is returned.
func Clean(raw string, rules RuleSet) Result {
	lc := strings.ToLower(stripGarbage(raw))
	if !strings.Contains(lc, "@") {
		return removed(domain.ReasonNoAtSymbol, "")
	}
	parts := strings.Split(lc, "@")
	local := strings.Trim(strings.TrimSpace(parts[0]), ".")
	d := strings.Trim(strings.TrimSpace(parts[1]), ".")

	if containsAny(lc, rules.Excludes) {
		return removed(domain.ReasonExcluded, d)
	}
	if containsAny(lc, rules.Contains) {
		return removed(domain.ReasonContainsKeyword, d)
	}
	for _, suffix := range rules.EndsWith {
		if suffix != "" && strings.HasSuffix(d, strings.ToLower(suffix)) {
			return removed(domain.ReasonEndsWithRule, d)
		}
	}

	d, tags := repairDomain(d)

	for _, blocked := range rules.Domains {
		if d == strings.ToLower(blocked) {
			return removed(domain.ReasonDomainRule, d)
		}
	}

	cleaned := local + "@" + d
	if !emailPattern.MatchString(cleaned) {
		return removed(domain.ReasonInvalidFormat, d)
	}
	if len(tags) > 0 {
		reason := strings.Join(tags, ",")
		return Result{Cleaned: cleaned, Status: domain.FilterRepairPrefix + reason, Reason: reason, Domain: d}
	}
	return Result{Cleaned: cleaned, Status: domain.FilterClean, Reason: domain.FilterClean, Domain: d}
}
