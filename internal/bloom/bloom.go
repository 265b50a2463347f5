// Package bloom is a Bloom filter kept in a Redis bitmap. Dedupe adds every
// newly inserted normalized address so later batches can skip the database
// round trip for addresses that were definitely never seen.
package bloom

import (
	"context"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Config sizes the filter.
type Config struct {
	Key               string
	ExpectedElements  uint64
	FalsePositiveRate float64
}

// Filter is a Redis-backed Bloom filter. False negatives never happen.
type Filter struct {
	rdb       redis.UniversalClient
	key       string
	size      uint64
	hashCount uint
}

// New creates a filter with optimal m and k for cfg:
// m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2), k capped at 16.
func New(rdb redis.UniversalClient, cfg Config) *Filter {
	if cfg.Key == "" {
		cfg.Key = "emails_bloom"
	}
	if cfg.ExpectedElements == 0 {
		cfg.ExpectedElements = 1000
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.001
	}

	n := float64(cfg.ExpectedElements)
	m := uint64(-n * math.Log(cfg.FalsePositiveRate) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	m = ((m + 63) / 64) * 64

	k := uint(float64(m) / n * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &Filter{rdb: rdb, key: cfg.Key, size: m, hashCount: k}
}

// Size is the bitmap length in bits.
func (f *Filter) Size() uint64 { return f.size }

// HashCount is k.
func (f *Filter) HashCount() uint { return f.hashCount }

// positions derives k bit offsets by double hashing: h_i = h1 + i*h2.
func (f *Filter) positions(item string) []int64 {
	h1 := xxhash.Sum64String(item)
	h2 := xxhash.Sum64String(item + "\x00")
	h2 |= 1
	out := make([]int64, f.hashCount)
	for i := uint(0); i < f.hashCount; i++ {
		out[i] = int64((h1 + uint64(i)*h2) % f.size)
	}
	return out
}

// Add sets the item's bits.
func (f *Filter) Add(ctx context.Context, item string) error {
	pipe := f.rdb.Pipeline()
	for _, pos := range f.positions(item) {
		pipe.SetBit(ctx, f.key, pos, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bloom add: %w", err)
	}
	return nil
}

// MayContain reports false when item was definitely never added.
func (f *Filter) MayContain(ctx context.Context, item string) (bool, error) {
	pipe := f.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0, f.hashCount)
	for _, pos := range f.positions(item) {
		cmds = append(cmds, pipe.GetBit(ctx, f.key, pos))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("bloom check: %w", err)
	}
	for _, c := range cmds {
		if c.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Clear drops the bitmap.
func (f *Filter) Clear(ctx context.Context) error {
	return f.rdb.Del(ctx, f.key).Err()
}
