package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/bloom"
	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/config"
	"github.com/ignite/email-validator/internal/coordinator"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/keymanager"
	"github.com/ignite/email-validator/internal/pkg/backoff"
	"github.com/ignite/email-validator/internal/pkg/distlock"
	"github.com/ignite/email-validator/internal/pkg/logger"
	"github.com/ignite/email-validator/internal/queue"
	"github.com/ignite/email-validator/internal/repository/postgres"
	"github.com/ignite/email-validator/internal/telemetry"
	"github.com/ignite/email-validator/internal/verifier"
)

// Job kinds.
const (
	KindDedupe     = "dedupe"
	KindFilter     = "filter"
	KindValidation = "validation"
	KindSplit      = "split"
)

// ValidationGroup is the jobs hash shared by every verification partition,
// so a val-<id> key is unique across slots.
const ValidationGroup = "validation"

// Idempotency keys. The reconciler and control operations enqueue with the
// same keys so a pending job is never duplicated.
func DedupeKey(batchID int64) string      { return fmt.Sprintf("dedupe-%d", batchID) }
func FilterKey(masterID int64) string     { return fmt.Sprintf("filter-%d", masterID) }
func ValidationKey(masterID int64) string { return fmt.Sprintf("val-%d", masterID) }
func SplitKey(masterID int64) string      { return fmt.Sprintf("split-%d", masterID) }

// ValidationQueueName names slot's verification partition.
func ValidationQueueName(slot int) string { return fmt.Sprintf("validation_%d", slot) }

// Queues are the durable hand-offs between stages.
type Queues struct {
	Dedupe     *queue.Queue
	Filter     *queue.Queue
	Split      *queue.Queue
	Validation []*queue.Queue
}

// NewQueues builds the stage queues and one verification partition per slot.
func NewQueues(rdb redis.UniversalClient, slots int, opts queue.Options) *Queues {
	named := func(name, group string) *queue.Queue {
		o := opts
		o.Group = group
		return queue.New(rdb, name, o)
	}
	q := &Queues{
		Dedupe: named(KindDedupe, KindDedupe),
		Filter: named(KindFilter, KindFilter),
		Split:  named(KindSplit, KindSplit),
	}
	for i := 0; i < slots; i++ {
		q.Validation = append(q.Validation, named(ValidationQueueName(i), ValidationGroup))
	}
	return q
}

// ValidationQueue returns slot's partition, falling back to slot 0.
func (q *Queues) ValidationQueue(slot int) *queue.Queue {
	if slot < 0 || slot >= len(q.Validation) {
		return q.Validation[0]
	}
	return q.Validation[slot]
}

// All lists every queue.
func (q *Queues) All() []*queue.Queue {
	out := []*queue.Queue{q.Dedupe, q.Filter}
	out = append(out, q.Validation...)
	return append(out, q.Split)
}

// Verifier checks one address with one credential.
type Verifier interface {
	Verify(ctx context.Context, email, key string) (*verifier.Response, error)
}

// LockFactory builds a distributed lock for key.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Options holds the pipeline's tunables.
type Options struct {
	Pipeline      config.PipelineConfig
	Verification  config.VerificationConfig
	Reconciler    config.ReconcilerConfig
	PublicDomains []string
}

// Pipeline holds everything the stage handlers share.
type Pipeline struct {
	stores   Stores
	queues   *Queues
	coord    *coordinator.Coordinator
	keys     *keymanager.Manager
	verifier Verifier
	rules    *cleaner.Resolver
	bloom    *bloom.Filter
	sink     telemetry.Sink
	lock     LockFactory
	opts     Options
	strategy cleaner.Strategy
	public   map[string]bool

	sleep func(ctx context.Context, d time.Duration) error
	log   *logger.Component
}

// Deps are the collaborators of a Pipeline. Bloom and Telemetry are optional.
type Deps struct {
	Stores      Stores
	Queues      *Queues
	Coordinator *coordinator.Coordinator
	Keys        *keymanager.Manager
	Verifier    Verifier
	Rules       *cleaner.Resolver
	Bloom       *bloom.Filter
	Telemetry   telemetry.Sink
	Locks       LockFactory
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop{}
	}
	if opts.Pipeline.DedupeChunkSize <= 0 {
		opts.Pipeline.DedupeChunkSize = 1000
	}
	public := make(map[string]bool, len(DefaultPublicDomains)+len(opts.PublicDomains))
	for _, d := range DefaultPublicDomains {
		public[d] = true
	}
	for _, d := range opts.PublicDomains {
		public[strings.ToLower(strings.TrimSpace(d))] = true
	}
	strategy := cleaner.Strategy(opts.Pipeline.NormalizationStrategy)
	if strategy == "" {
		strategy = cleaner.StrategyNone
	}
	return &Pipeline{
		stores:   deps.Stores,
		queues:   deps.Queues,
		coord:    deps.Coordinator,
		keys:     deps.Keys,
		verifier: deps.Verifier,
		rules:    deps.Rules,
		bloom:    deps.Bloom,
		sink:     deps.Telemetry,
		lock:     deps.Locks,
		opts:     opts,
		strategy: strategy,
		public:   public,
		sleep:    backoff.Sleep,
		log:      logger.With("pipeline"),
	}
}

// Queues exposes the stage queues.
func (p *Pipeline) Queues() *Queues { return p.queues }

func newJob(key, kind string, batchID, masterID int64) queue.Job {
	return queue.Job{Key: key, Kind: kind, BatchID: batchID, MasterID: masterID}
}

// EnqueueDedupe schedules dedupe for a freshly staged batch.
func (p *Pipeline) EnqueueDedupe(ctx context.Context, batchID int64) (bool, error) {
	return p.queues.Dedupe.Enqueue(ctx, newJob(DedupeKey(batchID), KindDedupe, batchID, 0))
}

func (p *Pipeline) enqueueFilter(ctx context.Context, batchID, masterID int64) (bool, error) {
	return p.queues.Filter.Enqueue(ctx, newJob(FilterKey(masterID), KindFilter, batchID, masterID))
}

func (p *Pipeline) enqueueSplit(ctx context.Context, batchID, masterID int64) (bool, error) {
	return p.queues.Split.Enqueue(ctx, newJob(SplitKey(masterID), KindSplit, batchID, masterID))
}

// assignValidation activates the batch and routes the master to the next
// slot's partition.
func (p *Pipeline) assignValidation(ctx context.Context, batchID, masterID int64) (bool, error) {
	if err := p.coord.EnsureActivated(ctx, batchID); err != nil {
		return false, fmt.Errorf("activate batch %d: %w", batchID, err)
	}
	slot, err := p.coord.NextSlot(ctx, batchID)
	if err != nil {
		return false, err
	}
	return p.queues.ValidationQueue(slot).Enqueue(ctx,
		newJob(ValidationKey(masterID), KindValidation, batchID, masterID))
}

// gate loads the batch for a stage job and reports whether the stage may act.
// Deleted batches abort silently; a batch paused at stage publishes a paused
// notification.
func (p *Pipeline) gate(ctx context.Context, batchID int64, stage domain.Stage, masterID int64) (*domain.Batch, bool, error) {
	b, err := p.stores.Batches.Get(ctx, batchID)
	if errors.Is(err, postgres.ErrBatchNotFound) {
		return nil, false, queue.Permanent(err)
	}
	if err != nil {
		return nil, false, err
	}
	if b.IsDeleted() {
		return b, false, nil
	}
	if b.IsPausedAt(stage) {
		p.sink.Progress(ctx, domain.ProgressEvent{
			BatchID: batchID, Stage: string(stage), Status: "paused", MasterID: masterID,
		})
		return b, false, nil
	}
	return b, true, nil
}

// loadMaster returns the master for a job; a missing row fails the job for good.
func (p *Pipeline) loadMaster(ctx context.Context, job *queue.Job) (*domain.MasterEmail, error) {
	if job.MasterID == 0 {
		return nil, queue.Permanent(fmt.Errorf("job %s has no master id", job.Key))
	}
	m, err := p.stores.Masters.Get(ctx, job.MasterID)
	if errors.Is(err, postgres.ErrMasterNotFound) {
		return nil, queue.Permanent(err)
	}
	return m, err
}

// maybeComplete completes the batch once nothing is left in staging, every
// master is filtered and every eligible one verified, then frees its
// coordination state.
func (p *Pipeline) maybeComplete(ctx context.Context, batchID int64) error {
	counts, err := p.stores.Filtered.Counts(ctx, batchID)
	if err != nil {
		return err
	}
	if counts.Masters == 0 || !counts.Done() {
		return nil
	}
	verified, err := p.stores.Results.CountVerified(ctx, batchID)
	if err != nil {
		return err
	}
	if verified < counts.Eligible {
		return nil
	}
	staged, err := p.stores.Staging.Count(ctx, batchID)
	if err != nil {
		return err
	}
	if staged > 0 {
		return nil
	}
	changed, err := p.stores.Batches.Complete(ctx, batchID)
	if err != nil || !changed {
		return err
	}
	p.log.Info("batch completed", "batch_id", batchID, "eligible", counts.Eligible, "verified", verified)
	if err := p.coord.Release(ctx, batchID); err != nil {
		p.log.Warn("release after completion failed", "batch_id", batchID, "error", err)
	}
	p.sink.Progress(ctx, domain.ProgressEvent{
		BatchID: batchID, Stage: "completed", Status: "done", Processed: verified, Total: counts.Eligible,
	})
	return nil
}

// isPublic reports whether d is a free mail provider.
func (p *Pipeline) isPublic(ctx context.Context, d string) bool {
	d = strings.ToLower(d)
	if d == "" {
		return false
	}
	if p.public[d] {
		return true
	}
	ok, err := p.stores.Lists.IsPublicDomain(ctx, d)
	if err != nil {
		p.log.Warn("public domain lookup failed", "domain", d, "error", err)
		return false
	}
	return ok
}
