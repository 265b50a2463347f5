package keymanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-validator/internal/domain"
)

type fakeStore struct {
	mu          sync.Mutex
	status      map[string]domain.CredentialStatus
	success     map[string]int
	consecutive map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status:      map[string]domain.CredentialStatus{},
		success:     map[string]int{},
		consecutive: map[string]int{},
	}
}

func (f *fakeStore) Seed(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		if _, ok := f.status[k]; !ok {
			f.status[k] = domain.CredentialActive
		}
	}
	return nil
}

func (f *fakeStore) RecordSuccess(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[key]++
	f.consecutive[key] = 0
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, key string, consecutive bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if consecutive {
		f.consecutive[key]++
	}
	return f.consecutive[key], nil
}

func (f *fakeStore) SetStatus(ctx context.Context, key string, status domain.CredentialStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[key] = status
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Credential
	for k, s := range f.status {
		out = append(out, domain.Credential{Key: k, Status: s})
	}
	return out, nil
}

type clock struct {
	mu    sync.Mutex
	t     time.Time
	slept time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
	return ctx.Err()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T, keys []string, cfg Config) (*Manager, *fakeStore, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := newFakeStore()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(rdb, store, keys, cfg)
	m.now = c.Now
	m.sleep = c.Sleep
	require.NoError(t, m.Sync(context.Background()))
	return m, store, c
}

func TestAcquire_PreferredThenLeastRecentlyUsed(t *testing.T) {
	m, _, c := setup(t, []string{"key-a", "key-b", "key-c"}, Config{Limit: 10, Interval: time.Second})
	ctx := context.Background()

	l1, err := m.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "key-b", l1.Credential)

	// preferred is in use, so fall back to the least recently used
	c.Advance(time.Millisecond)
	l2, err := m.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, "key-b", l2.Credential)

	require.NoError(t, m.Release(ctx, l1))
	l3, err := m.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "key-b", l3.Credential)
}

func TestAcquire_WindowLimitNeverExceeded(t *testing.T) {
	const (
		limit    = 3
		interval = time.Second
	)
	keys := []string{"key-a", "key-b"}
	m, _, c := setup(t, keys, Config{Limit: limit, Interval: interval})
	ctx := context.Background()

	type call struct {
		at   time.Time
		cred string
	}
	var calls []call
	for i := 0; i < 40; i++ {
		lease, err := m.Acquire(ctx, i%2)
		require.NoError(t, err)
		calls = append(calls, call{at: c.Now(), cred: lease.Credential})
		require.NoError(t, m.Release(ctx, lease))
		c.Advance(10 * time.Millisecond)
	}

	// 40 calls at 3 per second per key across 2 keys needs several windows
	assert.Greater(t, c.slept, 4*time.Second)

	for _, k := range keys {
		var times []time.Time
		for _, cl := range calls {
			if cl.cred == k {
				times = append(times, cl.at)
			}
		}
		// fixed windows start at the first call after the previous expired
		windowStart := times[0]
		inWindow := 0
		for _, at := range times {
			if at.Sub(windowStart) >= interval {
				windowStart = at
				inWindow = 0
			}
			inWindow++
			assert.LessOrEqual(t, inWindow, limit, "key %s window %s", k, windowStart)
		}
	}
}

func TestMarkCooldown(t *testing.T) {
	m, _, c := setup(t, []string{"key-a"}, Config{Limit: 100, Interval: 30 * time.Second})
	ctx := context.Background()

	lease, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	cooledAt := c.Now()
	require.NoError(t, m.MarkCooldown(ctx, lease))

	lease, err = m.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, c.Now().Before(cooledAt.Add(30*time.Second)), "returned before cooldown expiry")
	assert.Equal(t, "key-a", lease.Credential)
}

func TestAcquire_LapsedLeaseFreesCredential(t *testing.T) {
	m, _, c := setup(t, []string{"key-a"}, Config{Limit: 100, Interval: time.Minute, LeaseTTL: 5 * time.Second})
	ctx := context.Background()

	_, err := m.Acquire(ctx, 0)
	require.NoError(t, err)

	start := c.Now()
	lease, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "key-a", lease.Credential)
	assert.GreaterOrEqual(t, c.Now().Sub(start), 5*time.Second)
}

func TestAcquire_NoCredentials(t *testing.T) {
	m, _, _ := setup(t, nil, Config{})
	_, err := m.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoCredentials)

	m, _, _ = setup(t, []string{"key-a", "key-b"}, Config{})
	ctx := context.Background()
	require.NoError(t, m.SetStatus(ctx, "key-a", domain.CredentialDisabled))
	require.NoError(t, m.SetStatus(ctx, "key-b", domain.CredentialDisabled))
	_, err = m.Acquire(ctx, 0)
	assert.ErrorIs(t, err, ErrNoCredentials)

	require.NoError(t, m.SetStatus(ctx, "key-b", domain.CredentialActive))
	lease, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "key-b", lease.Credential)
}

func TestAcquire_Cancelled(t *testing.T) {
	m, _, _ := setup(t, []string{"key-a"}, Config{Limit: 1, Interval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	cancel()
	_, err = m.Acquire(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordFailure_DisablesAtThreshold(t *testing.T) {
	m, store, _ := setup(t, []string{"key-a"}, Config{DisableThreshold: 3})
	ctx := context.Background()

	require.NoError(t, m.RecordFailure(ctx, "key-a", FailureRateLimit))
	require.NoError(t, m.RecordFailure(ctx, "key-a", FailureTransient))
	require.NoError(t, m.RecordFailure(ctx, "key-a", FailureTransient))
	assert.Equal(t, domain.CredentialActive, store.status["key-a"])

	require.NoError(t, m.RecordFailure(ctx, "key-a", FailureTransient))
	assert.Equal(t, domain.CredentialDisabled, store.status["key-a"])

	_, err := m.Acquire(ctx, 0)
	assert.ErrorIs(t, err, ErrNoCredentials)

	states, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].Disabled)
	assert.Equal(t, "****ey-a", states[0].Key)
}

func TestRecordSuccess_ResetsConsecutive(t *testing.T) {
	m, store, _ := setup(t, []string{"key-a"}, Config{DisableThreshold: 2})
	ctx := context.Background()

	require.NoError(t, m.RecordFailure(ctx, "key-a", FailureTransient))
	require.NoError(t, m.RecordSuccess(ctx, "key-a"))
	require.NoError(t, m.RecordFailure(ctx, "key-a", FailureTransient))
	assert.Equal(t, domain.CredentialActive, store.status["key-a"])
}

func TestPace_FloorDelay(t *testing.T) {
	m, _, c := setup(t, []string{"key-a"}, Config{Limit: 35, Interval: 30 * time.Second, MinDelay: 170 * time.Millisecond})
	ctx := context.Background()
	floor := m.cfg.FloorDelay()
	assert.Equal(t, 30*time.Second/35/time.Millisecond*time.Millisecond, floor.Truncate(time.Millisecond))

	require.NoError(t, m.Pace(ctx, "key-a"))
	assert.Zero(t, c.slept)

	require.NoError(t, m.Pace(ctx, "key-a"))
	assert.Equal(t, floor.Truncate(time.Millisecond), c.slept)
}

func TestConfig_FloorDelay(t *testing.T) {
	assert.Equal(t, 170*time.Millisecond, Config{Limit: 1000, Interval: time.Second, MinDelay: 170 * time.Millisecond}.FloorDelay())
	assert.Equal(t, 500*time.Millisecond, Config{Limit: 2, Interval: time.Second}.FloorDelay())
}
