package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/pkg/backoff"
)

const deadLetterCap = 1000

// Options tunes retries and leases.
type Options struct {
	// Group names the shared jobs hash. Empty means the queue's own name.
	Group             string
	MaxAttempts       int
	VisibilityTimeout time.Duration
	Retry             backoff.Backoff
	Now               func() time.Time
}

// Queue is one named Redis queue.
type Queue struct {
	rdb  redis.UniversalClient
	name string
	opts Options
}

// New creates a queue. Zero options fall back to five attempts, a five minute
// visibility timeout and 1s..1m retry backoff.
func New(rdb redis.UniversalClient, name string, opts Options) *Queue {
	if opts.Group == "" {
		opts.Group = name
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.Retry.Base == 0 {
		opts.Retry = backoff.Backoff{Base: time.Second, Max: time.Minute}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{rdb: rdb, name: name, opts: opts}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string { return "queue:" + q.name + ":" + suffix }
func (q *Queue) jobsKey() string          { return "queue:" + q.opts.Group + ":jobs" }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

var enqueueScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// Enqueue adds job unless a job with the same key is already pending in the
// group. It reports whether the job was added.
func (q *Queue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.Key == "" {
		return false, errors.New("queue: job key is empty")
	}
	job.EnqueuedAt = q.opts.Now().UTC()
	job.Attempts = 0
	payload, err := job.encode()
	if err != nil {
		return false, err
	}
	n, err := enqueueScript.Run(ctx, q.rdb, []string{q.jobsKey(), q.key("ready")}, job.Key, payload).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s on %s: %w", job.Key, q.name, err)
	}
	return n == 1, nil
}

var dequeueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[1])
for _, k in ipairs(due) do
	redis.call("ZREM", KEYS[4], k)
	redis.call("RPUSH", KEYS[1], k)
end
local k = redis.call("LMOVE", KEYS[1], KEYS[2], "LEFT", "RIGHT")
if not k then
	return false
end
redis.call("ZADD", KEYS[3], ARGV[2], k)
return k
`)

// Dequeue hands out the next ready job and leases it for the visibility
// timeout. It returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		now := q.opts.Now()
		key, err := dequeueScript.Run(ctx, q.rdb,
			[]string{q.key("ready"), q.key("processing"), q.key("leases"), q.key("delayed")},
			ms(now), ms(now.Add(q.opts.VisibilityTimeout)),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
		}

		payload, err := q.rdb.HGet(ctx, q.jobsKey(), key).Result()
		if errors.Is(err, redis.Nil) {
			// removed while queued
			q.forget(ctx, key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", key, err)
		}
		job, err := decodeJob(payload)
		if err != nil {
			q.forget(ctx, key)
			return nil, err
		}
		return job, nil
	}
}

func (q *Queue) forget(ctx context.Context, key string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("processing"), 0, key)
	pipe.ZRem(ctx, q.key("leases"), key)
	_, _ = pipe.Exec(ctx)
}

// Ack completes a job and frees its key for future enqueues.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("processing"), 0, job.Key)
	pipe.ZRem(ctx, q.key("leases"), job.Key)
	pipe.HDel(ctx, q.jobsKey(), job.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", job.Key, err)
	}
	return nil
}

// Nack records a failed attempt. Permanent errors and jobs out of attempts are
// dead-lettered; anything else is retried after a backoff delay. It reports
// whether the job was dead-lettered.
func (q *Queue) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	payload, err := job.encode()
	if err != nil {
		return false, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("processing"), 0, job.Key)
	pipe.ZRem(ctx, q.key("leases"), job.Key)

	dead := IsPermanent(cause) || job.Attempts >= q.opts.MaxAttempts
	if dead {
		pipe.HDel(ctx, q.jobsKey(), job.Key)
		pipe.LPush(ctx, q.key("dead"), payload)
		pipe.LTrim(ctx, q.key("dead"), 0, deadLetterCap-1)
	} else {
		due := q.opts.Now().Add(q.opts.Retry.Delay(job.Attempts))
		pipe.HSet(ctx, q.jobsKey(), job.Key, payload)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: job.Key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("nack %s: %w", job.Key, err)
	}
	return dead, nil
}

var recoverScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local n = 0
for _, k in ipairs(expired) do
	redis.call("ZREM", KEYS[1], k)
	redis.call("LREM", KEYS[2], 0, k)
	if redis.call("HEXISTS", KEYS[4], k) == 1 then
		redis.call("RPUSH", KEYS[3], k)
		n = n + 1
	end
end
return n
`)

// RecoverExpired returns jobs whose lease lapsed (crashed consumer) to ready.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.key("leases"), q.key("processing"), q.key("ready"), q.jobsKey()},
		ms(q.opts.Now()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", q.name, err)
	}
	return n, nil
}

// Pending lists jobs not yet handed to a consumer (ready and delayed).
func (q *Queue) Pending(ctx context.Context) ([]*Job, error) {
	ready, err := q.rdb.LRange(ctx, q.key("ready"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", q.name, err)
	}
	delayed, err := q.rdb.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", q.name, err)
	}
	keys := append(ready, delayed...)
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := q.rdb.HMGet(ctx, q.jobsKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("pending payloads %s: %w", q.name, err)
	}
	out := make([]*Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if job, err := decodeJob(s); err == nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// Remove deletes pending jobs for which match is true and returns how many
// were removed. Jobs already handed to a consumer are left alone.
func (q *Queue) Remove(ctx context.Context, match func(*Job) bool) (int, error) {
	jobs, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if !match(job) {
			continue
		}
		pipe := q.rdb.TxPipeline()
		lrem := pipe.LRem(ctx, q.key("ready"), 0, job.Key)
		zrem := pipe.ZRem(ctx, q.key("delayed"), job.Key)
		pipe.HDel(ctx, q.jobsKey(), job.Key)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("remove %s: %w", job.Key, err)
		}
		if lrem.Val()+zrem.Val() > 0 {
			removed++
		}
	}
	return removed, nil
}

var moveScript = redis.NewScript(`
local n = redis.call("LREM", KEYS[1], 0, ARGV[1]) + redis.call("ZREM", KEYS[2], ARGV[1])
if n > 0 then
	redis.call("RPUSH", KEYS[3], ARGV[1])
end
return n
`)

// Move transfers a pending job to dst under the same key. Both queues must
// share a group. It reports whether the job was still pending here.
func (q *Queue) Move(ctx context.Context, job *Job, dst *Queue) (bool, error) {
	if dst.opts.Group != q.opts.Group {
		return false, fmt.Errorf("move %s: queues %s and %s are in different groups", job.Key, q.name, dst.name)
	}
	if dst.name == q.name {
		return false, nil
	}
	n, err := moveScript.Run(ctx, q.rdb,
		[]string{q.key("ready"), q.key("delayed"), dst.key("ready")}, job.Key,
	).Int()
	if err != nil {
		return false, fmt.Errorf("move %s to %s: %w", job.Key, dst.name, err)
	}
	return n > 0, nil
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name       string `json:"name"`
	Ready      int64  `json:"ready"`
	Processing int64  `json:"processing"`
	Delayed    int64  `json:"delayed"`
	Dead       int64  `json:"dead"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	processing := pipe.LLen(ctx, q.key("processing"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", q.name, err)
	}
	return Stats{
		Name:       q.name,
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}
