// Package telemetry publishes best-effort pipeline progress, worker heartbeats
// and reconciler activity to Redis. Nothing here is on the correctness path:
// failures are logged and dropped.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/pkg/logger"
)

// Channels and keys read by dashboards.
const (
	ProgressChannel = "batch_progress"
	MonitorChannel  = "system_monitor"
	HistoryKey      = "queue_watcher:history"
	LastRunKey      = "queue_watcher:last_run"
	HistorySize     = 50
)

const publishTimeout = 2 * time.Second

func workerKey(id string) string { return "worker:" + id + ":status" }

// Sink is what the pipeline reports to.
type Sink interface {
	Progress(ctx context.Context, evt domain.ProgressEvent)
	Heartbeat(ctx context.Context, hb domain.WorkerHeartbeat)
	Activity(ctx context.Context, a domain.WatcherActivity)
}

// Publisher is the Redis-backed Sink.
type Publisher struct {
	rdb         redis.UniversalClient
	historySize int64
	log         *logger.Component
}

// NewPublisher creates a publisher. historySize <= 0 keeps HistorySize entries.
func NewPublisher(rdb redis.UniversalClient, historySize int) *Publisher {
	if historySize <= 0 {
		historySize = HistorySize
	}
	return &Publisher{rdb: rdb, historySize: int64(historySize), log: logger.With("telemetry")}
}

func (p *Publisher) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), publishTimeout)
}

// Progress publishes evt on the progress channel.
func (p *Publisher) Progress(ctx context.Context, evt domain.ProgressEvent) {
	p.publish(ctx, ProgressChannel, evt)
}

// Heartbeat stores the worker status hash and announces it on the monitor
// channel.
func (p *Publisher) Heartbeat(ctx context.Context, hb domain.WorkerHeartbeat) {
	if hb.LastHeartbeat.IsZero() {
		hb.LastHeartbeat = time.Now()
	}
	cctx, cancel := p.ctx(ctx)
	defer cancel()

	key := workerKey(hb.WorkerID)
	pipe := p.rdb.TxPipeline()
	pipe.HSet(cctx, key, map[string]interface{}{
		"slot":          strconv.Itoa(hb.Slot),
		"key":           hb.Credential,
		"activeJob":     hb.ActiveJob,
		"lastHeartbeat": hb.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(cctx, key, 10*time.Minute)
	if _, err := pipe.Exec(cctx); err != nil {
		p.log.Warn("worker status write failed", "worker", hb.WorkerID, "error", err)
	}
	p.publish(ctx, MonitorChannel, map[string]interface{}{"type": "worker", "worker": hb})
}

// Activity prepends a reconciler pass to the bounded history list and stamps
// the last run.
func (p *Publisher) Activity(ctx context.Context, a domain.WatcherActivity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	body, err := json.Marshal(a)
	if err != nil {
		p.log.Error("marshal activity", "error", err)
		return
	}
	cctx, cancel := p.ctx(ctx)
	defer cancel()

	pipe := p.rdb.TxPipeline()
	pipe.LPush(cctx, HistoryKey, body)
	pipe.LTrim(cctx, HistoryKey, 0, p.historySize-1)
	pipe.Set(cctx, LastRunKey, a.Timestamp.UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(cctx); err != nil {
		p.log.Warn("activity write failed", "error", err)
	}
	p.publish(ctx, MonitorChannel, map[string]interface{}{"type": "queue_watcher", "activity": a})
}

func (p *Publisher) publish(ctx context.Context, channel string, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal event", "channel", channel, "error", err)
		return
	}
	cctx, cancel := p.ctx(ctx)
	defer cancel()
	if err := p.rdb.Publish(cctx, channel, body).Err(); err != nil {
		p.log.Warn("publish failed", "channel", channel, "error", err)
	}
}

// History returns up to limit reconciler passes, newest first.
func (p *Publisher) History(ctx context.Context, limit int) ([]domain.WatcherActivity, error) {
	if limit <= 0 || int64(limit) > p.historySize {
		limit = int(p.historySize)
	}
	raw, err := p.rdb.LRange(ctx, HistoryKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read watcher history: %w", err)
	}
	out := make([]domain.WatcherActivity, 0, len(raw))
	for _, s := range raw {
		var a domain.WatcherActivity
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// LastRun returns the time of the latest reconciler pass, zero if none ran.
func (p *Publisher) LastRun(ctx context.Context) (time.Time, error) {
	s, err := p.rdb.Get(ctx, LastRunKey).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last run: %w", err)
	}
	return time.Parse(time.RFC3339, s)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Progress(context.Context, domain.ProgressEvent)    {}
func (Nop) Heartbeat(context.Context, domain.WorkerHeartbeat) {}
func (Nop) Activity(context.Context, domain.WatcherActivity)  {}
