package buildmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewRedisManagerWithClient(client, t.TempDir(), RedisOptions{
		PopTimeout: 50 * time.Millisecond,
		LockTTL:    time.Second,
		LockPoll:   5 * time.Millisecond,
	})
	return m, srv
}

func TestRedisManagerSubmitRoundTrip(t *testing.T) {
	m, _ := newTestRedisManager(t)
	ctx := context.Background()

	id, err := m.SubmitBuild(ctx, sampleInfo())
	require.NoError(t, err)

	n, err := m.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := m.NextBuildID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	info, err := m.BuildInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "copter", info.Vehicle)
	assert.Equal(t, "ardupilot", info.Remote.Name)
	assert.Equal(t, StatePending, info.Progress.State)
	assert.Equal(t, []string{"AP_AIRSPEED_ENABLED", "HAL_GYROFFT_ENABLED"}, info.SelectedFeatures)
}

func TestRedisManagerNextBuildIDStopsOnCancel(t *testing.T) {
	m, _ := newTestRedisManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := m.NextBuildID(ctx)
	require.Error(t, err)
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestRedisManagerClaimIsAtomic(t *testing.T) {
	m, _ := newTestRedisManager(t)
	ctx := context.Background()
	id, err := m.SubmitBuild(ctx, sampleInfo())
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimBuild(ctx, id)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	running, err := m.RunningBuildIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, running)
}

func TestRedisManagerTransitions(t *testing.T) {
	m, _ := newTestRedisManager(t)
	ctx := context.Background()
	id, err := m.SubmitBuild(ctx, sampleInfo())
	require.NoError(t, err)

	require.ErrorIs(t, m.UpdateBuildState(ctx, id, StateFailure), ErrInvalidTransition)
	require.ErrorIs(t, m.UpdateBuildState(ctx, "nope", StateRunning), ErrBuildNotFound)

	ok, err := m.ClaimBuild(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.UpdateBuildProgressPercent(ctx, id, 42))
	require.NoError(t, m.UpdateBuildState(ctx, id, StateSuccess))
	require.ErrorIs(t, m.UpdateBuildState(ctx, id, StateFailure), ErrInvalidTransition)

	info, err := m.BuildInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, info.Progress.State)
	assert.Equal(t, 100, info.Progress.Percent)

	running, err := m.RunningBuildIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestRedisManagerProgressUnknownBuild(t *testing.T) {
	m, _ := newTestRedisManager(t)
	require.ErrorIs(t, m.UpdateBuildProgressPercent(context.Background(), "missing", 10), ErrBuildNotFound)
}

func TestRedisManagerProgressOnlyWhileRunning(t *testing.T) {
	m, _ := newTestRedisManager(t)
	ctx := context.Background()
	id, err := m.SubmitBuild(ctx, sampleInfo())
	require.NoError(t, err)

	require.NoError(t, m.UpdateBuildProgressPercent(ctx, id, 30))
	info, err := m.BuildInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Progress.Percent)

	ok, err := m.ClaimBuild(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.UpdateBuildProgressPercent(ctx, id, 40))
	require.NoError(t, m.UpdateBuildState(ctx, id, StateSuccess))

	require.NoError(t, m.UpdateBuildProgressPercent(ctx, id, 52))
	info, err = m.BuildInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, info.Progress.State)
	assert.Equal(t, 100, info.Progress.Percent)
}

func TestRedisManagerMirrorLock(t *testing.T) {
	m, srv := newTestRedisManager(t)
	ctx := context.Background()

	unlock, err := m.AcquireMirrorLock(ctx)
	require.NoError(t, err)
	assert.True(t, srv.Exists(m.mirrorLockKey()))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = m.AcquireMirrorLock(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.False(t, srv.Exists(m.mirrorLockKey()))

	unlock2, err := m.AcquireMirrorLock(ctx)
	require.NoError(t, err)
	unlock2()
}

func TestRedisManagerUnlockKeepsForeignToken(t *testing.T) {
	m, srv := newTestRedisManager(t)
	ctx := context.Background()

	unlock, err := m.AcquireMirrorLock(ctx)
	require.NoError(t, err)

	// Simulate expiry followed by another holder taking the lock.
	require.NoError(t, srv.Set(m.mirrorLockKey(), "someone-else"))
	unlock()

	v, err := srv.Get(m.mirrorLockKey())
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}
