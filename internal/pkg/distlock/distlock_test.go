package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLock_ExclusiveAndRelease(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "dedupe:1", time.Minute)
	b := NewRedisLock(rdb, "dedupe:1", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own it, so its release is a no-op
	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiryAndExtend(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "reconciler", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("lock:reconciler"))

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, a.Extend(ctx, time.Minute), ErrLockLost)
}

func TestWithLock(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()

	held := NewRedisLock(rdb, "sweep", time.Minute)
	ok, _ := held.Acquire(ctx)
	require.True(t, ok)

	called := false
	err := WithLock(ctx, NewRedisLock(rdb, "sweep", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.False(t, called)

	require.NoError(t, held.Release(ctx))
	boom := errors.New("boom")
	err = WithLock(ctx, NewRedisLock(rdb, "sweep", time.Minute), func(context.Context) error {
		called = true
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, called)

	// released after fn returned
	ok, _ = NewRedisLock(rdb, "sweep", time.Minute).Acquire(ctx)
	assert.True(t, ok)
}

func TestNewLock_FallsBackToPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewLock(nil, db, "reconciler", time.Minute)
	pg, ok := lock.(*PGAdvisoryLock)
	require.True(t, ok)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(pg.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(pg.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	acquired, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_NotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "reconciler")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	acquired, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired)
	// nothing to unlock
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
