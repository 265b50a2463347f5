package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-validator/internal/pkg/backoff"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T, slots int) (*Coordinator, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	co := New(rdb, slots, Options{
		Poll:    backoff.Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond, Min: 5 * time.Millisecond},
		MaxWait: 200 * time.Millisecond,
		Now:     c.Now,
	})
	return co, mr, c
}

func TestEnsureActivated_Idempotent(t *testing.T) {
	co, mr, _ := setup(t, 3)
	ctx := context.Background()

	require.NoError(t, co.EnsureActivated(ctx, 7))
	require.NoError(t, co.EnsureActivated(ctx, 7))

	active, ok, err := co.ActiveBatch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), active)
	v, _ := mr.Get("val:batch:7:activated")
	assert.Equal(t, "1", v)
}

func TestEnsureActivated_ActivatedBatchSkipsMarker(t *testing.T) {
	co, mr, _ := setup(t, 3)
	ctx := context.Background()
	require.NoError(t, co.EnsureActivated(ctx, 1))

	// the marker moves on while batch 1 still has work in flight
	require.NoError(t, mr.Set("val:active_batch_id", "2"))

	start := time.Now()
	require.NoError(t, co.EnsureActivated(ctx, 1))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	active, _, err := co.ActiveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	require.NoError(t, co.Release(ctx, 1))
	assert.ErrorIs(t, co.EnsureActivated(ctx, 1), ErrActivationTimeout)
}

func TestEnsureActivated_TimesOutWhileOtherBatchActive(t *testing.T) {
	co, _, _ := setup(t, 3)
	ctx := context.Background()

	require.NoError(t, co.EnsureActivated(ctx, 1))
	err := co.EnsureActivated(ctx, 2)
	assert.ErrorIs(t, err, ErrActivationTimeout)
}

func TestEnsureActivated_Cancelled(t *testing.T) {
	co, _, _ := setup(t, 3)
	require.NoError(t, co.EnsureActivated(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := co.EnsureActivated(ctx, 2)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrActivationTimeout)
}

func TestRelease_ThenNextBatchActivatesPromptly(t *testing.T) {
	co, _, _ := setup(t, 3)
	ctx := context.Background()
	require.NoError(t, co.EnsureActivated(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- co.EnsureActivated(ctx, 2) }()

	time.Sleep(20 * time.Millisecond)
	released := time.Now()
	require.NoError(t, co.Release(ctx, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
		// one poll interval at most, plus scheduling slack
		assert.Less(t, time.Since(released), 100*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("batch 2 never activated")
	}

	active, _, _ := co.ActiveBatch(ctx)
	assert.Equal(t, int64(2), active)
}

func TestNextSlot_RoundRobin(t *testing.T) {
	co, mr, c := setup(t, 3)
	ctx := context.Background()

	var got []int
	for i := 0; i < 7; i++ {
		slot, err := co.NextSlot(ctx, 5)
		require.NoError(t, err)
		got = append(got, slot)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)

	v, _ := mr.Get("val:slot:2:batch_id")
	assert.Equal(t, "5", v)
	members, _ := mr.Members("val:batch:5:slots")
	assert.ElementsMatch(t, []string{"0", "1", "2"}, members)

	owners, err := co.Assignments(ctx)
	require.NoError(t, err)
	require.Len(t, owners, 3)
	assert.Equal(t, c.Now(), owners[0].LastSeen)
}

func TestRelease_ClearsOnlyOwnState(t *testing.T) {
	co, mr, _ := setup(t, 2)
	ctx := context.Background()

	require.NoError(t, co.EnsureActivated(ctx, 1))
	_, _ = co.NextSlot(ctx, 1)
	_, _ = co.NextSlot(ctx, 1)
	// batch 2 took over slot 1 meanwhile
	_, _ = co.NextSlot(ctx, 2)
	_, _ = co.NextSlot(ctx, 2)

	require.NoError(t, co.Release(ctx, 1))

	assert.False(t, mr.Exists("val:batch:1:rr"))
	assert.False(t, mr.Exists("val:batch:1:activated"))
	assert.False(t, mr.Exists(activeKey))
	v, _ := mr.Get("val:slot:1:batch_id")
	assert.Equal(t, "2", v)

	// unknown batch is a no-op
	require.NoError(t, co.Release(ctx, 99))
}

func TestStaleSlots(t *testing.T) {
	co, _, c := setup(t, 2)
	ctx := context.Background()

	_, _ = co.NextSlot(ctx, 3)
	_, _ = co.NextSlot(ctx, 3)

	c.Advance(20 * time.Second)
	require.NoError(t, co.Heartbeat(ctx, 0))
	c.Advance(15 * time.Second)

	stale, err := co.StaleSlots(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 1, stale[0].Slot)
	assert.Equal(t, int64(3), stale[0].BatchID)
}

func TestReset(t *testing.T) {
	co, mr, _ := setup(t, 2)
	ctx := context.Background()
	require.NoError(t, co.EnsureActivated(ctx, 1))
	_, _ = co.NextSlot(ctx, 1)
	mr.Set("unrelated", "x")

	n, err := co.Reset(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	_, ok, _ := co.ActiveBatch(ctx)
	assert.False(t, ok)
	assert.True(t, mr.Exists("unrelated"))
}
