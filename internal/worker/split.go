package worker

import (
	"context"
	"strings"

	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/queue"
)

// DefaultPublicDomains are always treated as personal mail providers.
var DefaultPublicDomains = []string{
	"gmail.com", "yahoo.com", "outlook.com", "hotmail.com", "aol.com", "icloud.com",
	"proton.me", "live.com", "msn.com", "yandex.com", "zoho.com", "mail.com",
}

// HandleSplit files a verified master into the business or personal
// partition. Public provider domains always land in personal.
func (p *Pipeline) HandleSplit(ctx context.Context, job *queue.Job) error {
	m, err := p.loadMaster(ctx, job)
	if err != nil {
		return err
	}
	b, ok, err := p.gate(ctx, m.BatchID, domain.StagePersonal, m.ID)
	if err != nil || !ok {
		return err
	}

	res, err := p.stores.Results.Latest(ctx, m.ID)
	if err != nil {
		return err
	}
	if res == nil {
		// not verified yet; the reconciler re-enqueues once it is
		return nil
	}

	category := res.Category
	if category != domain.CategoryPersonal {
		category = domain.CategoryBusiness
	}
	if p.isPublic(ctx, m.Domain) {
		category = domain.CategoryPersonal
	}

	role, err := p.stores.Batches.SubmitterRole(ctx, b.Submitter.UserID)
	if err != nil {
		return err
	}

	if _, err := p.stores.Final.Insert(ctx, &domain.FinalEmail{
		BatchID:  m.BatchID,
		MasterID: m.ID,
		Email:    m.Normalized,
		Domain:   m.Domain,
		Category: category,
		Outcome:  res.Outcome,
		FreePool: strings.EqualFold(role, domain.RoleCollector),
	}); err != nil {
		return err
	}

	evt := domain.ProgressEvent{BatchID: m.BatchID, Stage: KindSplit, MasterID: m.ID}
	if n, err := p.stores.Final.CountSplit(ctx, m.BatchID); err == nil {
		evt.Processed = n
	}
	if n, err := p.stores.Results.CountVerified(ctx, m.BatchID); err == nil {
		evt.Total = n
	}
	p.sink.Progress(ctx, evt)
	return p.maybeComplete(ctx, m.BatchID)
}
