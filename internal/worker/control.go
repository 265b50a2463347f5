package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/coordinator"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/keymanager"
	"github.com/ignite/email-validator/internal/pkg/logger"
	"github.com/ignite/email-validator/internal/queue"
	"github.com/ignite/email-validator/internal/telemetry"
)

// ErrInvalidStage is returned by Pause for an unknown stage.
var ErrInvalidStage = errors.New("worker: invalid stage")

// unstickLimit bounds how many ids one Unstick call re-enqueues per stage.
const unstickLimit = 10000

// Control implements the operator actions on batches, credentials and
// coordination state.
type Control struct {
	p   *Pipeline
	log *logger.Component
}

// NewControl creates a control surface over p.
func NewControl(p *Pipeline) *Control {
	return &Control{p: p, log: logger.With("control")}
}

func (c *Control) audit(ctx context.Context, action, actor string, batchID int64, details interface{}) {
	if c.p.stores.Audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := c.p.stores.Audit.Record(ctx, action, actor, fmt.Sprintf("%d", batchID), details); err != nil {
		c.log.Warn("audit write failed", "action", action, "error", err)
	}
}

// Submit schedules dedupe for a staged batch. It reports false when a dedupe
// job for the batch is already pending.
func (c *Control) Submit(ctx context.Context, batchID int64, actor string) (bool, error) {
	if _, err := c.p.stores.Batches.Get(ctx, batchID); err != nil {
		return false, err
	}
	queued, err := c.p.EnqueueDedupe(ctx, batchID)
	if err != nil {
		return false, err
	}
	c.audit(ctx, "batch_submitted", actor, batchID, map[string]bool{"queued": queued})
	return queued, nil
}

// BatchProgress counts a batch's rows at every stage boundary.
type BatchProgress struct {
	Batch    *domain.Batch `json:"batch"`
	Staged   int64         `json:"staged"`
	Masters  int64         `json:"masters"`
	Filtered int64         `json:"filtered"`
	Eligible int64         `json:"eligible"`
	Verified int64         `json:"verified"`
	Split    int64         `json:"split"`
}

// Status returns the batch row and its per-stage counts.
func (c *Control) Status(ctx context.Context, batchID int64) (*BatchProgress, error) {
	b, err := c.p.stores.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := &BatchProgress{Batch: b}
	if out.Staged, err = c.p.stores.Staging.Count(ctx, batchID); err != nil {
		return nil, err
	}
	counts, err := c.p.stores.Filtered.Counts(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out.Masters, out.Filtered, out.Eligible = counts.Masters, counts.Filtered, counts.Eligible
	if out.Verified, err = c.p.stores.Results.CountVerified(ctx, batchID); err != nil {
		return nil, err
	}
	if out.Split, err = c.p.stores.Final.CountSplit(ctx, batchID); err != nil {
		return nil, err
	}
	return out, nil
}

// SeenResult answers whether an address was ever promoted to the master
// table. Seen is probabilistic: false is definite, true may be a false
// positive.
type SeenResult struct {
	Address    string `json:"address"`
	Normalized string `json:"normalized"`
	Seen       bool   `json:"seen"`
}

// Seen normalizes raw the way dedupe does and checks the master address
// filter.
func (c *Control) Seen(ctx context.Context, raw string) (*SeenResult, error) {
	n := cleaner.Normalize(raw, c.p.strategy)
	out := &SeenResult{Address: raw, Normalized: n.Normalized}
	if n.Normalized == "" || c.p.bloom == nil {
		return out, nil
	}
	seen, err := c.p.bloom.MayContain(ctx, n.Normalized)
	if err != nil {
		return nil, err
	}
	out.Seen = seen
	return out, nil
}

// Pause stops stage for the batch. Workers ack that stage's jobs without side
// effects until Resume.
func (c *Control) Pause(ctx context.Context, batchID int64, stage domain.Stage, actor string) error {
	if _, ok := domain.ParseStage(string(stage)); !ok {
		return ErrInvalidStage
	}
	if err := c.p.stores.Batches.Pause(ctx, batchID, stage); err != nil {
		return err
	}
	c.p.sink.Progress(ctx, domain.ProgressEvent{BatchID: batchID, Stage: "paused", Status: string(stage)})
	c.audit(ctx, "batch_paused", actor, batchID, map[string]string{"stage": string(stage)})
	return nil
}

// Resume clears the pause and re-enqueues the paused stage's gap. It returns
// the stage and how many jobs were enqueued.
func (c *Control) Resume(ctx context.Context, batchID int64, actor string) (domain.Stage, int, error) {
	stage, err := c.p.stores.Batches.Resume(ctx, batchID)
	if err != nil {
		return "", 0, err
	}

	n := 0
	b := c.p.stores.Boundaries
	switch stage {
	case domain.StageDedupe:
		if _, err = c.p.EnqueueDedupe(ctx, batchID); err == nil {
			n = 1
		}
	case domain.StageFilter:
		n, err = c.enqueueIDs(ctx, batchID, func(ctx context.Context) ([]int64, error) {
			return b.UnfilteredIDs(ctx, batchID, unstickLimit)
		}, c.p.enqueueFilter)
	case domain.StageValidation:
		n, err = c.enqueueIDs(ctx, batchID, func(ctx context.Context) ([]int64, error) {
			return b.UnverifiedIDs(ctx, batchID, unstickLimit)
		}, c.p.assignValidation)
	case domain.StagePersonal:
		n, err = c.enqueueIDs(ctx, batchID, func(ctx context.Context) ([]int64, error) {
			return b.UnsplitIDs(ctx, batchID, unstickLimit)
		}, c.p.enqueueSplit)
	}
	if err != nil {
		return stage, n, err
	}
	c.p.sink.Progress(ctx, domain.ProgressEvent{BatchID: batchID, Stage: "resume_started", Status: string(stage), Processed: int64(n)})
	c.audit(ctx, "batch_resumed", actor, batchID, map[string]interface{}{"stage": stage, "enqueued": n})
	// jobs that ran while paused may have left nothing to enqueue
	if err := c.p.maybeComplete(ctx, batchID); err != nil {
		c.log.Warn("completion check after resume failed", "batch_id", batchID, "error", err)
	}
	return stage, n, nil
}

func (c *Control) enqueueIDs(ctx context.Context, batchID int64,
	ids func(context.Context) ([]int64, error),
	enqueue func(ctx context.Context, batchID, masterID int64) (bool, error),
) (int, error) {
	list, err := ids(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range list {
		if _, err := enqueue(ctx, batchID, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Rerun discards the batch's filter, verification and split rows and runs it
// again from the filter stage. It returns the number of masters re-enqueued.
func (c *Control) Rerun(ctx context.Context, batchID int64, actor string) (int, error) {
	if _, err := c.p.stores.Batches.Get(ctx, batchID); err != nil {
		return 0, err
	}
	if _, err := c.removePending(ctx, batchID, c.p.queues.Filter, c.p.queues.Split); err != nil {
		return 0, err
	}
	if _, err := c.removePending(ctx, batchID, c.p.queues.Validation...); err != nil {
		return 0, err
	}
	if err := c.p.coord.Release(ctx, batchID); err != nil {
		return 0, err
	}

	ids, err := c.p.stores.Batches.ResetDownstream(ctx, batchID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := c.p.enqueueFilter(ctx, batchID, id); err != nil {
			return 0, err
		}
	}
	c.p.sink.Progress(ctx, domain.ProgressEvent{BatchID: batchID, Stage: "rerun_started", Total: int64(len(ids))})
	c.audit(ctx, "batch_rerun", actor, batchID, map[string]int{"masters": len(ids)})
	return len(ids), nil
}

// UnstickResult counts what Unstick re-enqueued.
type UnstickResult struct {
	FilterRequeued     int `json:"filter_requeued"`
	ValidationRequeued int `json:"validation_requeued"`
}

// Unstick clears the batch's coordination state and re-enqueues its
// unfiltered and unverified masters.
func (c *Control) Unstick(ctx context.Context, batchID int64, actor string) (UnstickResult, error) {
	var res UnstickResult
	if _, err := c.p.stores.Batches.Get(ctx, batchID); err != nil {
		return res, err
	}
	if err := c.p.coord.Release(ctx, batchID); err != nil {
		c.log.Warn("release during unstick failed", "batch_id", batchID, "error", err)
	}

	b := c.p.stores.Boundaries
	var err error
	res.FilterRequeued, err = c.enqueueIDs(ctx, batchID, func(ctx context.Context) ([]int64, error) {
		return b.UnfilteredIDs(ctx, batchID, unstickLimit)
	}, c.p.enqueueFilter)
	if err != nil {
		return res, err
	}
	res.ValidationRequeued, err = c.enqueueIDs(ctx, batchID, func(ctx context.Context) ([]int64, error) {
		return b.UnverifiedIDs(ctx, batchID, unstickLimit)
	}, c.p.assignValidation)
	if err != nil {
		return res, err
	}

	c.p.sink.Progress(ctx, domain.ProgressEvent{BatchID: batchID, Stage: "unstick",
		Processed: int64(res.FilterRequeued + res.ValidationRequeued)})
	c.audit(ctx, "batch_unstick", actor, batchID, res)
	return res, nil
}

// Delete cancels the batch: pending jobs are removed from every queue, the
// batch is marked deleted, its pipeline rows are purged in one transaction
// and its coordination state is released. Jobs already running see the
// deleted status and abort.
func (c *Control) Delete(ctx context.Context, batchID int64, actor string) (int, error) {
	if _, err := c.p.stores.Batches.Get(ctx, batchID); err != nil {
		return 0, err
	}
	removed, err := c.removePending(ctx, batchID, c.p.queues.All()...)
	if err != nil {
		return removed, err
	}
	if err := c.p.stores.Batches.MarkDeletedAndPurge(ctx, batchID); err != nil {
		return removed, err
	}
	if err := c.p.coord.Release(ctx, batchID); err != nil {
		c.log.Warn("release after delete failed", "batch_id", batchID, "error", err)
	}
	c.p.sink.Progress(ctx, domain.ProgressEvent{BatchID: batchID, Stage: "batch_deleted", Status: string(domain.BatchDeleted)})
	c.audit(ctx, "batch_deleted", actor, batchID, map[string]interface{}{"jobs_removed": removed})
	return removed, nil
}

// removePending drops not-yet-started jobs of batchID. Jobs without a batch
// id are resolved through their master.
func (c *Control) removePending(ctx context.Context, batchID int64, queues ...*queue.Queue) (int, error) {
	total := 0
	for _, q := range queues {
		pending, err := q.Pending(ctx)
		if err != nil {
			return total, err
		}
		var orphans []int64
		for _, j := range pending {
			if j.BatchID == 0 && j.MasterID != 0 {
				orphans = append(orphans, j.MasterID)
			}
		}
		owner := map[int64]int64{}
		if len(orphans) > 0 {
			if owner, err = c.p.stores.Boundaries.MasterBatches(ctx, orphans); err != nil {
				return total, err
			}
		}
		n, err := q.Remove(ctx, func(j *queue.Job) bool {
			if j.BatchID != 0 {
				return j.BatchID == batchID
			}
			return owner[j.MasterID] == batchID
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ForceComplete marks the batch completed regardless of progress and frees
// its coordination state.
func (c *Control) ForceComplete(ctx context.Context, batchID int64, actor string) error {
	if err := c.p.stores.Batches.SetStatus(ctx, batchID, domain.BatchCompleted); err != nil {
		return err
	}
	if err := c.p.coord.Release(ctx, batchID); err != nil {
		return err
	}
	c.p.sink.Progress(ctx, domain.ProgressEvent{BatchID: batchID, Stage: "completed", Status: "forced"})
	c.audit(ctx, "batch_force_completed", actor, batchID, nil)
	return nil
}

// ActivateCredential re-enables a credential and clears its cooldown.
func (c *Control) ActivateCredential(ctx context.Context, key, actor string) error {
	if err := c.p.keys.SetStatus(ctx, key, domain.CredentialActive); err != nil {
		return err
	}
	c.audit(ctx, "credential_activated", actor, 0, map[string]string{"key": keymanager.Mask(key)})
	return nil
}

// DeactivateCredential disables a credential.
func (c *Control) DeactivateCredential(ctx context.Context, key, actor string) error {
	if err := c.p.keys.SetStatus(ctx, key, domain.CredentialDisabled); err != nil {
		return err
	}
	c.audit(ctx, "credential_deactivated", actor, 0, map[string]string{"key": keymanager.Mask(key)})
	return nil
}

// SyncCredentials seeds configured credentials into both stores.
func (c *Control) SyncCredentials(ctx context.Context) error {
	return c.p.keys.Sync(ctx)
}

// ResetCoordination wipes every slot and activation key. The reconciler
// rebuilds assignments on its next pass.
func (c *Control) ResetCoordination(ctx context.Context, actor string) (int, error) {
	n, err := c.p.coord.Reset(ctx)
	if err != nil {
		return n, err
	}
	c.log.Warn("coordination state reset", "keys", n, "actor", actor)
	c.audit(ctx, "coordination_reset", actor, 0, map[string]int{"keys": n})
	return n, nil
}

// Overview is the operator snapshot served by the ops API.
type Overview struct {
	Queues      []queue.Stats            `json:"queues"`
	ActiveBatch *int64                   `json:"active_batch,omitempty"`
	Slots       []coordinator.SlotOwner  `json:"slots"`
	Credentials []keymanager.State       `json:"credentials"`
	History     []domain.WatcherActivity `json:"watcher_history,omitempty"`
}

// Overview gathers queue depths, slot assignments and credential state.
func (c *Control) Overview(ctx context.Context, history *telemetry.Publisher) (*Overview, error) {
	out := &Overview{}
	for _, q := range c.p.queues.All() {
		st, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out.Queues = append(out.Queues, st)
	}
	if id, ok, err := c.p.coord.ActiveBatch(ctx); err != nil {
		return nil, err
	} else if ok {
		out.ActiveBatch = &id
	}
	slots, err := c.p.coord.Assignments(ctx)
	if err != nil {
		return nil, err
	}
	out.Slots = slots
	if out.Credentials, err = c.p.keys.Snapshot(ctx); err != nil {
		return nil, err
	}
	if history != nil {
		if out.History, err = history.History(ctx, 10); err != nil {
			return nil, err
		}
	}
	return out, nil
}
