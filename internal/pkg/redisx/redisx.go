// Package redisx opens the coordination store connection.
package redisx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/config"
	"github.com/ignite/email-validator/internal/pkg/logger"
)

// Open parses the configured URL, connects and pings. A bare host:port is
// accepted as well as a redis:// URL.
func Open(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := options(cfg.URL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

func options(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	if !strings.Contains(url, "://") {
		return &redis.Options{Addr: url}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return opts, nil
}
