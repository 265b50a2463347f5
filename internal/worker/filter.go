package worker

import (
	"context"
	"encoding/json"

	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/queue"
)

type filterMetadata struct {
	Flags          cleaner.Flags `json:"flags"`
	MatchedKeyword string        `json:"matched_keyword,omitempty"`
	MatchedDomain  string        `json:"matched_domain,omitempty"`
	Unsubscribed   bool          `json:"unsubscribed"`
	Repairs        string        `json:"repairs,omitempty"`
}

// HandleFilter cleans one master against its submitter's rules and routes
// eligible addresses to verification.
func (p *Pipeline) HandleFilter(ctx context.Context, job *queue.Job) error {
	m, err := p.loadMaster(ctx, job)
	if err != nil {
		return err
	}
	_, ok, err := p.gate(ctx, m.BatchID, domain.StageFilter, m.ID)
	if err != nil || !ok {
		return err
	}

	rec, err := p.stores.Filtered.Get(ctx, m.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec, err = p.classify(ctx, m)
		if err != nil {
			return err
		}
		created, err := p.stores.Filtered.Insert(ctx, rec)
		if err != nil {
			return err
		}
		if !created {
			// a concurrent delivery won; use its record
			if existing, err := p.stores.Filtered.Get(ctx, m.ID); err == nil && existing != nil {
				rec = existing
			}
		}
	}

	p.publishFilterProgress(ctx, m, rec)

	if !rec.Eligible() {
		return p.maybeComplete(ctx, m.BatchID)
	}
	_, err = p.assignValidation(ctx, m.BatchID, m.ID)
	return err
}

// classify builds the filter record for m. Both the cleaning pass and the
// rule match must agree an address is eligible.
func (p *Pipeline) classify(ctx context.Context, m *domain.MasterEmail) (*domain.FilteredEmail, error) {
	rules, err := p.rules.Resolve(ctx, cleaner.Scope{TeamID: m.Submitter.TeamID, EmployeeID: m.Submitter.EmployeeID})
	if err != nil {
		return nil, err
	}
	original := m.Raw
	if original == "" {
		original = m.Normalized
	}

	res := cleaner.Clean(original, rules)
	match := cleaner.MatchRules(m.Normalized, rules)
	status, reason := res.Status, res.Reason

	unsub := false
	if !res.Removed() {
		unsub, err = p.stores.Lists.IsUnsubscribed(ctx, res.Cleaned, res.Domain)
		if err != nil {
			return nil, err
		}
		switch {
		case unsub:
			status, reason = domain.Removed(domain.ReasonUnsubscribed), domain.ReasonUnsubscribed
		case match.Matched:
			status, reason = domain.Removed(match.Reason()), match.Reason()
		}
	}

	meta := filterMetadata{
		Flags:          match.Flags,
		MatchedKeyword: match.MatchedKeyword,
		MatchedDomain:  match.MatchedDomain,
		Unsubscribed:   unsub,
	}
	if !res.Removed() && res.Status != domain.FilterClean {
		meta.Repairs = res.Reason
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	rec := &domain.FilteredEmail{
		MasterID: m.ID,
		BatchID:  m.BatchID,
		Original: original,
		Status:   status,
		Reason:   reason,
		Domain:   res.Domain,
		Metadata: raw,
	}
	if domain.IsEligible(status) {
		cleaned := res.Cleaned
		rec.Cleaned = &cleaned
	}
	return rec, nil
}

func (p *Pipeline) publishFilterProgress(ctx context.Context, m *domain.MasterEmail, rec *domain.FilteredEmail) {
	status := "passed"
	if !rec.Eligible() {
		status = "excluded"
	}
	evt := domain.ProgressEvent{BatchID: m.BatchID, Stage: string(domain.StageFilter), Status: status, MasterID: m.ID}
	if counts, err := p.stores.Filtered.Counts(ctx, m.BatchID); err == nil {
		evt.Processed, evt.Total = counts.Filtered, counts.Masters
	}
	p.sink.Progress(ctx, evt)
}
