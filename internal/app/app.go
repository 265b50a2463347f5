// Package app wires configuration, stores and the pipeline together for the
// binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/bloom"
	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/config"
	"github.com/ignite/email-validator/internal/coordinator"
	"github.com/ignite/email-validator/internal/keymanager"
	"github.com/ignite/email-validator/internal/pkg/backoff"
	"github.com/ignite/email-validator/internal/pkg/distlock"
	"github.com/ignite/email-validator/internal/pkg/logger"
	"github.com/ignite/email-validator/internal/pkg/redisx"
	"github.com/ignite/email-validator/internal/queue"
	"github.com/ignite/email-validator/internal/repository/postgres"
	"github.com/ignite/email-validator/internal/telemetry"
	"github.com/ignite/email-validator/internal/verifier"
	"github.com/ignite/email-validator/internal/worker"
)

// App holds every long-lived dependency of a process.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     redis.UniversalClient
	Keys      *keymanager.Manager
	Telemetry *telemetry.Publisher
	Pipeline  *worker.Pipeline
	Control   *worker.Control
}

// SetupLogging applies the log section of cfg.
func SetupLogging(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// Open connects to PostgreSQL and Redis and wires the pipeline.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to database")

	rdb, err := redisx.Open(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return Wire(cfg, db, rdb), nil
}

// Wire builds the pipeline over already-open connections.
func Wire(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient) *App {
	v := cfg.Verification
	slots := len(v.Keys)

	keys := keymanager.New(rdb, postgres.NewCredentialRepo(db), v.Keys, keymanager.Config{
		Limit:            v.RateLimit,
		Interval:         v.Interval(),
		MinDelay:         v.FloorDelay(),
		DisableThreshold: v.DisableThreshold,
		LeaseTTL:         v.LeaseTTL(),
	})
	coord := coordinator.New(rdb, slots, coordinator.Options{
		Poll:    backoff.Backoff{Base: 100 * time.Millisecond, Max: time.Second},
		MaxWait: v.ActivationMaxWait(),
	})
	queues := worker.NewQueues(rdb, slots, queue.Options{
		MaxAttempts:       cfg.Pipeline.MaxAttempts,
		VisibilityTimeout: cfg.Pipeline.VisibilityTimeout(),
	})
	pub := telemetry.NewPublisher(rdb, cfg.Reconciler.HistorySize)

	p := worker.New(worker.Deps{
		Stores:      worker.PostgresStores(db),
		Queues:      queues,
		Coordinator: coord,
		Keys:        keys,
		Verifier:    verifier.NewClient(v),
		Rules:       cleaner.NewResolver(postgres.NewRuleRepo(db), cfg.Pipeline.RulesCacheTTL()),
		Bloom: bloom.New(rdb, bloom.Config{
			Key:               cfg.Bloom.Key,
			ExpectedElements:  uint64(cfg.Bloom.ExpectedElements),
			FalsePositiveRate: cfg.Bloom.FalsePositiveRate,
		}),
		Telemetry: pub,
		Locks: func(key string, ttl time.Duration) distlock.DistLock {
			return distlock.NewLock(rdb, db, key, ttl)
		},
	}, worker.Options{
		Pipeline:      cfg.Pipeline,
		Verification:  v,
		Reconciler:    cfg.Reconciler,
		PublicDomains: v.PublicDomains,
	})

	return &App{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Keys:      keys,
		Telemetry: pub,
		Pipeline:  p,
		Control:   worker.NewControl(p),
	}
}

// Close releases both connections.
func (a *App) Close() error {
	return errors.Join(a.Redis.Close(), a.DB.Close())
}
