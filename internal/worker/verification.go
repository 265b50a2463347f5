package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/email-validator/internal/coordinator"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/keymanager"
	"github.com/ignite/email-validator/internal/pkg/distlock"
	"github.com/ignite/email-validator/internal/queue"
	"github.com/ignite/email-validator/internal/verifier"
)

const failureBackoff = 500 * time.Millisecond

// WorkerID names the logical worker of slot.
func WorkerID(slot int) string { return fmt.Sprintf("val-%d", slot) }

// ValidationHandler returns the handler for slot's partition.
func (p *Pipeline) ValidationHandler(slot int) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		return p.HandleValidation(ctx, slot, job)
	}
}

// HandleValidation verifies one master through slot's credential.
func (p *Pipeline) HandleValidation(ctx context.Context, slot int, job *queue.Job) error {
	m, err := p.loadMaster(ctx, job)
	if err != nil {
		return err
	}
	_, ok, err := p.gate(ctx, m.BatchID, domain.StageValidation, m.ID)
	if err != nil || !ok {
		return err
	}

	existing, err := p.stores.Results.Latest(ctx, m.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if _, err := p.enqueueSplit(ctx, m.BatchID, m.ID); err != nil {
			return err
		}
		return p.maybeComplete(ctx, m.BatchID)
	}

	if err := p.coord.Heartbeat(ctx, slot); err != nil {
		p.log.Warn("slot heartbeat failed", "slot", slot, "error", err)
	}

	lease, err := p.keys.Acquire(ctx, slot)
	if err != nil {
		return err
	}
	p.heartbeat(ctx, slot, lease.Credential, job.Key)
	defer p.heartbeat(context.WithoutCancel(ctx), slot, lease.Credential, "")

	if err := p.keys.Pace(ctx, lease.Credential); err != nil {
		p.releaseLease(ctx, lease, false)
		return err
	}

	resp, verr := p.verifier.Verify(ctx, m.Normalized, lease.Credential)
	if verr != nil {
		if ctx.Err() != nil {
			p.releaseLease(ctx, lease, false)
			return ctx.Err()
		}
		return p.verificationFailed(ctx, m, lease, verr)
	}
	p.releaseLease(ctx, lease, false)
	if err := p.keys.RecordSuccess(ctx, lease.Credential); err != nil {
		p.log.Warn("record credential success failed", "slot", lease.Index, "error", err)
	}

	d := resp.Domain
	if d == "" {
		d = m.Domain
	}
	result := &domain.VerificationResult{
		MasterID:   m.ID,
		Status:     verifier.MapStatus(resp.Message, resp.Code),
		Outcome:    verifier.MapOutcome(resp.Message, resp.Code),
		Category:   p.category(ctx, d),
		Credential: lease.Credential,
		Domain:     d,
		MX:         resp.MX,
		Message:    resp.Message,
		Raw:        resp.Raw,
	}
	return p.recordResult(ctx, m, result)
}

// verificationFailed stores a best-effort result so the batch can finish,
// updates credential health and backs off in place.
func (p *Pipeline) verificationFailed(ctx context.Context, m *domain.MasterEmail, lease *keymanager.Lease, verr error) error {
	kind := keymanager.FailureOther
	wait := failureBackoff
	switch {
	case errors.Is(verr, verifier.ErrRateLimited):
		kind = keymanager.FailureRateLimit
		wait = 2 * p.keys.FloorDelay()
	case errors.Is(verr, verifier.ErrTransient):
		kind = keymanager.FailureTransient
	}
	p.releaseLease(ctx, lease, kind == keymanager.FailureRateLimit)
	if err := p.keys.RecordFailure(ctx, lease.Credential, kind); err != nil {
		p.log.Warn("record credential failure failed", "slot", lease.Index, "error", err)
	}
	p.log.Warn("verification call failed", "master_id", m.ID, "slot", lease.Index, "error", verr)

	result := &domain.VerificationResult{
		MasterID:   m.ID,
		Status:     domain.StatusUnknown,
		Outcome:    domain.OutcomeRejected,
		Category:   p.category(ctx, m.Domain),
		Credential: lease.Credential,
		Domain:     m.Domain,
		Message:    verr.Error(),
	}
	if err := p.recordResult(ctx, m, result); err != nil {
		return err
	}
	if err := p.sleep(ctx, wait); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// recordResult inserts the result, hands the master to split and checks for
// batch completion. Split is enqueued only after the insert commits.
func (p *Pipeline) recordResult(ctx context.Context, m *domain.MasterEmail, r *domain.VerificationResult) error {
	if _, err := p.stores.Results.Insert(ctx, r); err != nil {
		return err
	}
	if _, err := p.enqueueSplit(ctx, m.BatchID, m.ID); err != nil {
		return err
	}

	evt := domain.ProgressEvent{BatchID: m.BatchID, Stage: string(domain.StageValidation), MasterID: m.ID}
	if n, err := p.stores.Results.CountVerified(ctx, m.BatchID); err == nil {
		evt.Processed = n
	}
	if c, err := p.stores.Filtered.Counts(ctx, m.BatchID); err == nil {
		evt.Total = c.Eligible
	}
	p.sink.Progress(ctx, evt)
	return p.maybeComplete(ctx, m.BatchID)
}

func (p *Pipeline) category(ctx context.Context, d string) domain.Category {
	if p.isPublic(ctx, d) {
		return domain.CategoryPersonal
	}
	return domain.CategoryBusiness
}

func (p *Pipeline) releaseLease(ctx context.Context, lease *keymanager.Lease, cooldown bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if cooldown {
		err = p.keys.MarkCooldown(ctx, lease)
	} else {
		err = p.keys.Release(ctx, lease)
	}
	if err != nil {
		p.log.Warn("release credential failed", "slot", lease.Index, "error", err)
	}
}

func (p *Pipeline) heartbeat(ctx context.Context, slot int, cred, activeJob string) {
	p.sink.Heartbeat(ctx, domain.WorkerHeartbeat{
		WorkerID:      WorkerID(slot),
		Slot:          slot,
		Credential:    keymanager.Mask(cred),
		ActiveJob:     activeJob,
		LastHeartbeat: time.Now(),
	})
}

// RunValidation runs one single-concurrency consumer per slot plus the
// heartbeat loop that also sweeps stale slots. It blocks until ctx is done.
func (p *Pipeline) RunValidation(ctx context.Context) error {
	keys := p.keys.Keys()
	var wg sync.WaitGroup
	for slot := range p.queues.Validation {
		c := &queue.Consumer{
			Queue:        p.queues.Validation[slot],
			Handler:      p.ValidationHandler(slot),
			Concurrency:  1,
			PollInterval: p.opts.Pipeline.PollInterval(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx, keys)
	}()
	p.log.Info("validation workers started", "slots", len(p.queues.Validation))
	wg.Wait()
	return nil
}

func (p *Pipeline) heartbeatLoop(ctx context.Context, keys []string) {
	interval := p.opts.Verification.HeartbeatInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for slot := range p.queues.Validation {
			if err := p.coord.Heartbeat(ctx, slot); err != nil && ctx.Err() == nil {
				p.log.Warn("slot heartbeat failed", "slot", slot, "error", err)
			}
			cred := ""
			if slot < len(keys) {
				cred = keys[slot]
			}
			p.heartbeat(ctx, slot, cred, "")
		}
		if _, err := p.SweepStaleSlots(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("stale slot sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepStaleSlots force-releases batches owning slots whose liveness lapsed
// and moves those slots' pending jobs, keys unchanged, to live partitions.
// Only one instance sweeps at a time. It returns how many jobs moved.
func (p *Pipeline) SweepStaleSlots(ctx context.Context) (int, error) {
	staleAfter := p.opts.Verification.StaleAfter()
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	moved := 0
	err := distlock.WithLock(ctx, p.lock("validation:stale-sweep", time.Minute), func(ctx context.Context) error {
		stale, err := p.coord.StaleSlots(ctx, staleAfter)
		if err != nil {
			return err
		}
		for _, o := range stale {
			n, err := p.reassignSlot(ctx, o)
			moved += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, distlock.ErrNotHeld) {
		return 0, nil
	}
	return moved, err
}

func (p *Pipeline) reassignSlot(ctx context.Context, o coordinator.SlotOwner) (int, error) {
	p.log.Warn("slot is stale, releasing batch", "slot", o.Slot, "batch_id", o.BatchID, "last_seen", o.LastSeen)
	if err := p.coord.Release(ctx, o.BatchID); err != nil {
		return 0, err
	}
	src := p.queues.ValidationQueue(o.Slot)
	jobs, err := src.Pending(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, job := range jobs {
		if err := p.coord.EnsureActivated(ctx, job.BatchID); err != nil {
			if errors.Is(err, coordinator.ErrActivationTimeout) {
				p.log.Warn("stale slot job left in place", "job", job.Key, "error", err)
				continue
			}
			return moved, err
		}
		slot, err := p.nextLiveSlot(ctx, job.BatchID, o.Slot)
		if err != nil {
			return moved, err
		}
		if slot == o.Slot {
			continue
		}
		ok, err := src.Move(ctx, job, p.queues.ValidationQueue(slot))
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	if moved > 0 {
		p.log.Info("reassigned stale slot jobs", "slot", o.Slot, "moved", moved)
	}
	return moved, nil
}

// nextLiveSlot advances the batch cursor past the stale slot.
func (p *Pipeline) nextLiveSlot(ctx context.Context, batchID int64, stale int) (int, error) {
	slot := stale
	for i := 0; i < p.coord.Slots(); i++ {
		var err error
		slot, err = p.coord.NextSlot(ctx, batchID)
		if err != nil {
			return 0, err
		}
		if slot != stale {
			return slot, nil
		}
	}
	return slot, nil
}
