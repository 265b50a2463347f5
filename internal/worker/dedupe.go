package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/pkg/distlock"
	"github.com/ignite/email-validator/internal/queue"
)

// HandleDedupe promotes a batch's staged rows to master emails in chunks.
// One worker per batch holds the dedupe lock; a second delivery of the same
// batch acks and leaves the work to the holder.
func (p *Pipeline) HandleDedupe(ctx context.Context, job *queue.Job) error {
	b, ok, err := p.gate(ctx, job.BatchID, domain.StageDedupe, 0)
	if err != nil || !ok {
		return err
	}

	ttl := p.opts.Pipeline.DedupeLockTTL()
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	lock := p.lock(fmt.Sprintf("dedupe:batch:%d", b.ID), ttl)
	err = distlock.WithLock(ctx, lock, func(ctx context.Context) error {
		return p.dedupe(ctx, b)
	})
	if errors.Is(err, distlock.ErrNotHeld) {
		p.log.Debug("dedupe already running", "batch_id", b.ID)
		return nil
	}
	return err
}

func (p *Pipeline) dedupe(ctx context.Context, b *domain.Batch) error {
	if err := p.stores.Batches.StartIfPending(ctx, b.ID); err != nil {
		return err
	}
	total, err := p.stores.Staging.Count(ctx, b.ID)
	if err != nil {
		return err
	}

	var processed, inserted int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// a pause or delete issued mid-run stops at the chunk boundary
		cur, ok, err := p.gate(ctx, b.ID, domain.StageDedupe, 0)
		if err != nil || !ok {
			return err
		}

		chunk, err := p.stores.Staging.NextChunk(ctx, b.ID, p.opts.Pipeline.DedupeChunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}

		for _, row := range chunk {
			n := cleaner.Normalize(row.Raw, p.strategy)
			if n.Normalized == "" {
				continue
			}
			m := &domain.MasterEmail{
				Normalized: n.Normalized,
				Raw:        row.Raw,
				Domain:     n.Domain,
				LocalPart:  n.Local,
				BatchID:    b.ID,
				Submitter:  cur.Submitter,
			}
			ok, err := p.stores.Masters.Insert(ctx, m)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			inserted++
			if p.bloom != nil {
				if err := p.bloom.Add(ctx, n.Normalized); err != nil {
					p.log.Warn("bloom add failed", "error", err)
				}
			}
			if _, err := p.enqueueFilter(ctx, b.ID, m.ID); err != nil {
				return err
			}
		}

		if err := p.stores.Staging.DeleteThrough(ctx, b.ID, chunk[len(chunk)-1].ID); err != nil {
			return err
		}
		processed += int64(len(chunk))
		p.sink.Progress(ctx, domain.ProgressEvent{
			BatchID: b.ID, Stage: string(domain.StageDedupe), Processed: processed, Total: total,
		})
	}

	masters, err := p.stores.Masters.CountForBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	if b.TotalCount > 0 && masters == 0 {
		if err := p.stores.Batches.SetStatus(ctx, b.ID, domain.BatchDuplicate); err != nil {
			return err
		}
		p.log.Info("batch is all duplicates", "batch_id", b.ID, "submitted", b.TotalCount)
		p.sink.Progress(ctx, domain.ProgressEvent{
			BatchID: b.ID, Stage: string(domain.StageDedupe), Status: string(domain.BatchDuplicate),
			Processed: processed, Total: total,
		})
		return nil
	}

	p.log.Info("dedupe finished", "batch_id", b.ID, "staged", processed, "inserted", inserted)
	p.sink.Progress(ctx, domain.ProgressEvent{
		BatchID: b.ID, Stage: "dedupe_complete", Processed: processed, Total: total,
	})
	return nil
}
