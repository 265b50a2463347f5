package worker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/pkg/distlock"
	"github.com/ignite/email-validator/internal/pkg/logger"
	"github.com/ignite/email-validator/internal/repository/postgres"
)

// =============================================================================
// RECONCILER (queue watcher): re-injects work stuck between stages
// =============================================================================
// PostgreSQL is the source of truth for what each stage has done. Every pass
// compares adjacent stages, re-enqueues the gap with deterministic keys and
// returns expired queue leases to ready. Redis holds nothing that a pass
// cannot rebuild.

const (
	DefaultReconcileInterval = time.Minute
	DefaultBatchScanLimit    = 50
	DefaultEmailScanLimit    = 1000
)

// Reconciler runs the periodic boundary sweep. Only one instance sweeps at a
// time.
type Reconciler struct {
	p          *Pipeline
	interval   time.Duration
	batchLimit int
	idLimit    int
	log        *logger.Component
}

// NewReconciler creates a reconciler with the pipeline's settings.
func NewReconciler(p *Pipeline) *Reconciler {
	cfg := p.opts.Reconciler
	r := &Reconciler{
		p:          p,
		interval:   cfg.Interval(),
		batchLimit: cfg.BatchScanLimit,
		idLimit:    cfg.EmailScanLimit,
		log:        logger.With("reconciler"),
	}
	if r.interval <= 0 {
		r.interval = DefaultReconcileInterval
	}
	if r.batchLimit <= 0 {
		r.batchLimit = DefaultBatchScanLimit
	}
	if r.idLimit <= 0 {
		r.idLimit = DefaultEmailScanLimit
	}
	return r
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("starting", "interval", r.interval.String(), "batch_limit", r.batchLimit, "id_limit", r.idLimit)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep under the reconciler lock and records the
// activity. A sweep held elsewhere returns a nil activity.
func (r *Reconciler) RunOnce(ctx context.Context) (*domain.WatcherActivity, error) {
	var act *domain.WatcherActivity
	lock := r.p.lock("queue_watcher", r.interval+30*time.Second)
	err := distlock.WithLock(ctx, lock, func(ctx context.Context) error {
		a, err := r.sweep(ctx)
		act = &a
		return err
	})
	if errors.Is(err, distlock.ErrNotHeld) {
		r.log.Debug("sweep running elsewhere")
		return nil, nil
	}
	return act, err
}

func (r *Reconciler) sweep(ctx context.Context) (domain.WatcherActivity, error) {
	act := domain.WatcherActivity{Timestamp: time.Now().UTC()}
	affected := map[int64]bool{}

	err := r.sweepBoundaries(ctx, &act, affected)

	act.BatchesAffected = make([]int64, 0, len(affected))
	for id := range affected {
		act.BatchesAffected = append(act.BatchesAffected, id)
	}
	sort.Slice(act.BatchesAffected, func(i, j int) bool { return act.BatchesAffected[i] < act.BatchesAffected[j] })
	if err != nil {
		act.Error = err.Error()
	}
	r.p.sink.Activity(ctx, act)

	if act.StuckDedupe+act.StuckFilter+act.StuckValidation+act.StuckSplit+act.RecoveredLeases+act.Completed > 0 {
		r.log.Info("sweep re-enqueued work",
			"dedupe", act.StuckDedupe, "filter", act.StuckFilter,
			"validation", act.StuckValidation, "split", act.StuckSplit,
			"recovered_leases", act.RecoveredLeases, "completed", act.Completed,
			"batches", len(act.BatchesAffected))
	}
	return act, err
}

func (r *Reconciler) sweepBoundaries(ctx context.Context, act *domain.WatcherActivity, affected map[int64]bool) error {
	for _, q := range r.p.queues.All() {
		n, err := q.RecoverExpired(ctx)
		if err != nil {
			return err
		}
		act.RecoveredLeases += n
	}

	// staged, not deduped
	batches, err := r.p.stores.Boundaries.StagedBatches(ctx, r.batchLimit)
	if err != nil {
		return err
	}
	for _, id := range batches {
		skip, err := r.skip(ctx, id)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		if _, err := r.p.EnqueueDedupe(ctx, id); err != nil {
			return err
		}
		affected[id] = true
		act.StuckDedupe++
	}

	// deduped, not filtered
	batches, err = r.p.stores.Boundaries.UnfilteredBatches(ctx, r.batchLimit)
	if err != nil {
		return err
	}
	for _, id := range batches {
		skip, err := r.skip(ctx, id)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		ids, err := r.p.stores.Boundaries.UnfilteredIDs(ctx, id, r.idLimit)
		if err != nil {
			return err
		}
		for _, mid := range ids {
			if _, err := r.p.enqueueFilter(ctx, id, mid); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			affected[id] = true
			act.StuckFilter += len(ids)
		}
	}

	// filtered eligible, not verified
	batches, err = r.p.stores.Boundaries.UnverifiedBatches(ctx, r.batchLimit)
	if err != nil {
		return err
	}
	for _, id := range batches {
		skip, err := r.skip(ctx, id)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		active, held, err := r.p.coord.ActiveBatch(ctx)
		if err != nil {
			return err
		}
		if held && active != id {
			r.log.Debug("another batch is active, skipping validation boundary", "batch_id", id, "active", active)
			continue
		}
		ids, err := r.p.stores.Boundaries.UnverifiedIDs(ctx, id, r.idLimit)
		if err != nil {
			return err
		}
		for _, mid := range ids {
			if _, err := r.p.assignValidation(ctx, id, mid); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			affected[id] = true
			act.StuckValidation += len(ids)
		}
	}

	// verified, not split
	batches, err = r.p.stores.Boundaries.UnsplitBatches(ctx, r.batchLimit)
	if err != nil {
		return err
	}
	for _, id := range batches {
		skip, err := r.skip(ctx, id)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		ids, err := r.p.stores.Boundaries.UnsplitIDs(ctx, id, r.idLimit)
		if err != nil {
			return err
		}
		for _, mid := range ids {
			if _, err := r.p.enqueueSplit(ctx, id, mid); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			affected[id] = true
			act.StuckSplit += len(ids)
		}
	}

	// open batches with no gaps left
	batches, err = r.p.stores.Boundaries.OpenBatches(ctx, r.batchLimit)
	if err != nil {
		return err
	}
	for _, id := range batches {
		if affected[id] {
			continue
		}
		if err := r.p.maybeComplete(ctx, id); err != nil {
			return err
		}
		b, err := r.p.stores.Batches.Get(ctx, id)
		if err != nil {
			return err
		}
		if b.Status == domain.BatchCompleted {
			affected[id] = true
			act.Completed++
		}
	}
	return nil
}

// skip reports whether the batch is paused, deleted or gone.
func (r *Reconciler) skip(ctx context.Context, id int64) (bool, error) {
	b, err := r.p.stores.Batches.Get(ctx, id)
	if errors.Is(err, postgres.ErrBatchNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return b.Status == domain.BatchPaused || b.IsDeleted(), nil
}
