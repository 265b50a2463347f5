// Package keymanager owns the verification credentials: their rate windows,
// cooldowns, in-use leases and health. State lives in Redis so every worker
// process shares one budget; lifetime counters and the operator-visible
// status live in PostgreSQL.
package keymanager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/pkg/backoff"
	"github.com/ignite/email-validator/internal/pkg/logger"
)

// ErrNoCredentials is returned when no credential is configured or every
// configured credential is disabled.
var ErrNoCredentials = errors.New("keymanager: no usable credentials")

// FailureKind classifies a failed provider call.
type FailureKind int

const (
	// FailureRateLimit is a provider 429; it cools the credential down but
	// does not count toward disabling it.
	FailureRateLimit FailureKind = iota
	// FailureTransient covers timeouts, 5xx and network errors.
	FailureTransient
	// FailureOther is any other error.
	FailureOther
)

// CredentialStore persists lifetime counters and status.
type CredentialStore interface {
	Seed(ctx context.Context, keys []string) error
	RecordSuccess(ctx context.Context, key string) error
	RecordFailure(ctx context.Context, key string, consecutive bool) (int, error)
	SetStatus(ctx context.Context, key string, status domain.CredentialStatus) error
	List(ctx context.Context) ([]domain.Credential, error)
}

// Config sets the shared rate budget.
type Config struct {
	Limit            int
	Interval         time.Duration
	MinDelay         time.Duration
	DisableThreshold int
	LeaseTTL         time.Duration
}

// FloorDelay is max(MinDelay, Interval/Limit).
func (c Config) FloorDelay() time.Duration {
	floor := c.MinDelay
	if c.Limit > 0 {
		if per := c.Interval / time.Duration(c.Limit); per > floor {
			floor = per
		}
	}
	return floor
}

// Lease is a claimed credential. Only the lease owner can release it.
type Lease struct {
	Credential string
	Index      int
	Owner      string
}

// Manager hands out verification credentials.
type Manager struct {
	rdb   redis.UniversalClient
	store CredentialStore
	cfg   Config
	keys  []string

	acquireScript *redis.Script
	releaseScript *redis.Script
	paceScript    *redis.Script

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *logger.Component
}

// New creates a manager over keys. Slot i prefers keys[i].
func New(rdb redis.UniversalClient, store CredentialStore, keys []string, cfg Config) *Manager {
	if cfg.Limit <= 0 {
		cfg.Limit = 35
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = 100
	}
	return &Manager{
		rdb:           rdb,
		store:         store,
		cfg:           cfg,
		keys:          keys,
		acquireScript: redis.NewScript(acquireLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
		paceScript:    redis.NewScript(paceLuaScript),
		now:           time.Now,
		sleep:         backoff.Sleep,
		log:           logger.With("keymanager"),
	}
}

// Len is the number of configured credentials, which is also the slot count.
func (m *Manager) Len() int { return len(m.keys) }

// FloorDelay is the minimum spacing between calls on one credential.
func (m *Manager) FloorDelay() time.Duration { return m.cfg.FloorDelay() }

// Keys returns the configured credentials in slot order.
func (m *Manager) Keys() []string { return append([]string(nil), m.keys...) }

func hashKey(cred string) string {
	return "vkey:" + strconv.FormatUint(xxhash.Sum64String(cred), 16)
}

func (m *Manager) indexOf(cred string) int {
	for i, k := range m.keys {
		if k == cred {
			return i
		}
	}
	return -1
}

// Acquire claims a credential, preferring keys[preferred] (pass -1 for no
// preference) and otherwise the least recently used one. When none is free it
// waits for the earliest window reset, cooldown expiry or lease lapse.
func (m *Manager) Acquire(ctx context.Context, preferred int) (*Lease, error) {
	if len(m.keys) == 0 {
		return nil, ErrNoCredentials
	}
	hashes := make([]string, len(m.keys))
	for i, k := range m.keys {
		hashes[i] = hashKey(k)
	}
	owner := uuid.NewString()

	for {
		now := m.now()
		res, err := m.acquireScript.Run(ctx, m.rdb, hashes,
			now.UnixMilli(), m.cfg.Interval.Milliseconds(), m.cfg.Limit,
			m.cfg.LeaseTTL.Milliseconds(), preferred+1, owner,
		).Int64Slice()
		if err != nil {
			return nil, fmt.Errorf("acquire credential: %w", err)
		}

		switch idx := res[0]; {
		case idx > 0:
			i := int(idx - 1)
			return &Lease{Credential: m.keys[i], Index: i, Owner: owner}, nil
		case idx < 0:
			return nil, ErrNoCredentials
		}

		wait := time.UnixMilli(res[1]).Sub(now)
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if wait > m.cfg.Interval {
			wait = m.cfg.Interval
		}
		if err := m.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Release returns the credential without touching its window.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	return m.release(ctx, lease, "")
}

// MarkCooldown blocks the credential for one interval and releases it.
func (m *Manager) MarkCooldown(ctx context.Context, lease *Lease) error {
	until := m.now().Add(m.cfg.Interval).UnixMilli()
	return m.release(ctx, lease, strconv.FormatInt(until, 10))
}

func (m *Manager) release(ctx context.Context, lease *Lease, cooldown string) error {
	if lease == nil {
		return nil
	}
	err := m.releaseScript.Run(ctx, m.rdb, []string{hashKey(lease.Credential)}, lease.Owner, cooldown).Err()
	if err != nil {
		return fmt.Errorf("release credential: %w", err)
	}
	return nil
}

// Pace waits out the floor delay between calls on cred. Concurrent callers
// each reserve their own slot, so calls stay spaced across processes.
func (m *Manager) Pace(ctx context.Context, cred string) error {
	wait, err := m.paceScript.Run(ctx, m.rdb, []string{hashKey(cred)},
		m.now().UnixMilli(), m.cfg.FloorDelay().Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("pace credential: %w", err)
	}
	return m.sleep(ctx, time.Duration(wait)*time.Millisecond)
}

// RecordSuccess updates lifetime counters and resets consecutive errors.
func (m *Manager) RecordSuccess(ctx context.Context, cred string) error {
	return m.store.RecordSuccess(ctx, cred)
}

// RecordFailure updates counters. Transient failures count toward the
// disable threshold; reaching it disables the credential.
func (m *Manager) RecordFailure(ctx context.Context, cred string, kind FailureKind) error {
	n, err := m.store.RecordFailure(ctx, cred, kind == FailureTransient)
	if err != nil {
		return err
	}
	if kind == FailureTransient && n >= m.cfg.DisableThreshold {
		m.log.Warn("disabling credential after consecutive errors", "slot", m.indexOf(cred), "errors", n)
		return m.SetStatus(ctx, cred, domain.CredentialDisabled)
	}
	return nil
}

// SetStatus activates or disables a credential in both stores. Activation
// also clears any cooldown.
func (m *Manager) SetStatus(ctx context.Context, cred string, status domain.CredentialStatus) error {
	if err := m.store.SetStatus(ctx, cred, status); err != nil {
		return err
	}
	key := hashKey(cred)
	var err error
	if status == domain.CredentialDisabled {
		err = m.rdb.HSet(ctx, key, "key", cred, "disabled", "1").Err()
	} else {
		err = m.rdb.HSet(ctx, key, "key", cred, "disabled", "0", "cooldown_until", 0).Err()
	}
	if err != nil {
		return fmt.Errorf("set credential status: %w", err)
	}
	return nil
}

// Sync seeds credential rows and mirrors their status into Redis.
func (m *Manager) Sync(ctx context.Context) error {
	if len(m.keys) == 0 {
		return nil
	}
	if err := m.store.Seed(ctx, m.keys); err != nil {
		return err
	}
	creds, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	status := make(map[string]domain.CredentialStatus, len(creds))
	for _, c := range creds {
		status[c.Key] = c.Status
	}

	pipe := m.rdb.Pipeline()
	for _, k := range m.keys {
		disabled := "0"
		if status[k] == domain.CredentialDisabled {
			disabled = "1"
		}
		pipe.HSet(ctx, hashKey(k), "key", k, "disabled", disabled)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sync credentials: %w", err)
	}
	m.log.Info("credentials synced", "count", len(m.keys))
	return nil
}

// State is the live view of one credential.
type State struct {
	Slot          int        `json:"slot"`
	Key           string     `json:"key"`
	Disabled      bool       `json:"disabled"`
	WindowCount   int64      `json:"window_count"`
	WindowStart   *time.Time `json:"window_start,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	InUse         bool       `json:"in_use"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// Snapshot lists the live state of every configured credential. Keys are
// masked to their last four characters.
func (m *Manager) Snapshot(ctx context.Context) ([]State, error) {
	now := m.now()
	out := make([]State, 0, len(m.keys))
	for i, k := range m.keys {
		h, err := m.rdb.HGetAll(ctx, hashKey(k)).Result()
		if err != nil {
			return nil, fmt.Errorf("snapshot credential: %w", err)
		}
		inUseUntil := msTime(h["inuse_until"])
		out = append(out, State{
			Slot:          i,
			Key:           Mask(k),
			Disabled:      h["disabled"] == "1",
			WindowCount:   atoi(h["count"]),
			WindowStart:   msTime(h["window_start"]),
			CooldownUntil: future(msTime(h["cooldown_until"]), now),
			InUse:         h["inuse_owner"] != "" && inUseUntil != nil && inUseUntil.After(now),
			LastUsed:      msTime(h["last_used"]),
		})
	}
	return out, nil
}

// Mask hides all but the last four characters of a credential.
func Mask(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return "****" + k[len(k)-4:]
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func msTime(s string) *time.Time {
	n := atoi(s)
	if n <= 0 {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}

func future(t *time.Time, now time.Time) *time.Time {
	if t == nil || !t.After(now) {
		return nil
	}
	return t
}
