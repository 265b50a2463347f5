package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/email-validator/internal/app"
	"github.com/ignite/email-validator/internal/config"
	"github.com/ignite/email-validator/internal/pkg/logger"
	"github.com/ignite/email-validator/internal/queue"
	"github.com/ignite/email-validator/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	noReconciler := flag.Bool("no-reconciler", false, "do not run the queue watcher in this process")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if len(cfg.Verification.Keys) == 0 {
		logger.Error("no verifier keys configured; set VERIFIER_KEYS")
		os.Exit(1)
	}
	if err := a.Keys.Sync(ctx); err != nil {
		logger.Error("credential sync failed", "error", err)
		os.Exit(1)
	}

	p := a.Pipeline
	q := p.Queues()
	pc := cfg.Pipeline
	consumers := []*queue.Consumer{
		{Queue: q.Dedupe, Handler: p.HandleDedupe, Concurrency: pc.DedupeConcurrency, PollInterval: pc.PollInterval()},
		{Queue: q.Filter, Handler: p.HandleFilter, Concurrency: pc.FilterConcurrency, PollInterval: pc.PollInterval()},
		{Queue: q.Split, Handler: p.HandleSplit, Concurrency: pc.SplitConcurrency, PollInterval: pc.PollInterval()},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return p.RunValidation(gctx) })
	if !*noReconciler {
		g.Go(func() error { return worker.NewReconciler(p).Run(gctx) })
	}

	logger.Info("worker running",
		"slots", len(cfg.Verification.Keys),
		"dedupe", pc.DedupeConcurrency,
		"filter", pc.FilterConcurrency,
		"split", pc.SplitConcurrency,
		"reconciler", !*noReconciler)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
