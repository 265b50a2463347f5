package domain

import (
	"encoding/json"
	"strings"
)

// StagedEmail is a raw address waiting for dedupe.
type StagedEmail struct {
	ID      int64  `json:"id" db:"id"`
	BatchID int64  `json:"batch_id" db:"batch_id"`
	Raw     string `json:"email_raw" db:"email_raw"`
}

// MasterEmail is the canonical record for one normalized address.
type MasterEmail struct {
	ID         int64     `json:"id" db:"id"`
	Normalized string    `json:"email_normalized" db:"email_normalized"`
	Raw        string    `json:"email_raw" db:"email_raw"`
	Domain     string    `json:"domain" db:"domain"`
	LocalPart  string    `json:"local_part" db:"local_part"`
	BatchID    int64     `json:"batch_id" db:"batch_id"`
	Submitter  Submitter `json:"submitter"`
}

// Filter status values. Removed and repaired statuses carry a suffix.
const (
	FilterClean         = "clean"
	FilterRemovedPrefix = "removed:"
	FilterRepairPrefix  = "repaired:"
)

// Removal reasons written after the "removed:" prefix.
const (
	ReasonNoAtSymbol      = "no_at_symbol"
	ReasonExcluded        = "excluded"
	ReasonContainsKeyword = "contains_keyword"
	ReasonEndsWithRule    = "endswith_rule"
	ReasonDomainRule      = "domain_rule"
	ReasonInvalidFormat   = "invalid_format"
	ReasonUnsubscribed    = "unsubscribed"
)

// Removed builds a removal status for reason.
func Removed(reason string) string { return FilterRemovedPrefix + reason }

// IsEligible reports whether a filter status lets the email reach verification.
func IsEligible(status string) bool { return !strings.HasPrefix(status, FilterRemovedPrefix) }

// FilteredEmail is the single cleaning outcome recorded for a master email.
type FilteredEmail struct {
	MasterID int64           `json:"master_id" db:"master_id"`
	BatchID  int64           `json:"batch_id" db:"batch_id"`
	Original string          `json:"original_email" db:"original_email"`
	Cleaned  *string         `json:"cleaned_email,omitempty" db:"cleaned_email"`
	Status   string          `json:"status" db:"status"`
	Reason   string          `json:"reason" db:"reason"`
	Domain   string          `json:"domain" db:"domain"`
	Metadata json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// Eligible reports whether the record passed filtering.
func (f *FilteredEmail) Eligible() bool { return IsEligible(f.Status) }
