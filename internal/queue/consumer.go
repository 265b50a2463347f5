package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/email-validator/internal/pkg/backoff"
	"github.com/ignite/email-validator/internal/pkg/logger"
)

// Handler processes one job. A nil return acks the job; an error nacks it.
type Handler func(ctx context.Context, job *Job) error

// Consumer runs Concurrency loops pulling from a queue.
type Consumer struct {
	Queue        *Queue
	Handler      Handler
	Concurrency  int
	PollInterval time.Duration

	log *logger.Component
}

// Run blocks until ctx is cancelled and every loop has returned.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	c.log = logger.With("queue." + c.Queue.Name())

	var wg sync.WaitGroup
	for i := 0; i < c.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := c.Once(ctx)
		if err != nil {
			c.log.Error("dequeue failed", "error", err)
		}
		if !processed {
			if backoff.Sleep(ctx, c.PollInterval) != nil {
				return
			}
		}
	}
}

// Once handles at most one job and reports whether one was found.
func (c *Consumer) Once(ctx context.Context) (bool, error) {
	if c.log == nil {
		c.log = logger.With("queue." + c.Queue.Name())
	}
	job, err := c.Queue.Dequeue(ctx)
	if err != nil || job == nil {
		return false, err
	}

	if herr := c.Handler(ctx, job); herr != nil {
		// a cancelled handler keeps its lease; recovery returns the job
		if ctx.Err() != nil {
			return true, nil
		}
		dead, err := c.Queue.Nack(context.WithoutCancel(ctx), job, herr)
		if err != nil {
			return true, err
		}
		if dead {
			c.log.Error("job dead-lettered", "job", job.Key, "attempts", job.Attempts, "error", herr)
		} else {
			c.log.Warn("job failed, retrying", "job", job.Key, "attempts", job.Attempts, "error", herr)
		}
		return true, nil
	}
	return true, c.Queue.Ack(context.WithoutCancel(ctx), job)
}
