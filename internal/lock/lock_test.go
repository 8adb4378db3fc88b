package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/lvdashuaibi/livevote/config"
)

func TestTTLSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, int64(1), ttlSeconds(0))
	assert.Equal(t, int64(1), ttlSeconds(300*time.Millisecond))
	assert.Equal(t, int64(10), ttlSeconds(10*time.Second))
	assert.Equal(t, int64(11), ttlSeconds(10*time.Second+time.Millisecond))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{Lock: config.LockConfig{Backend: "zookeeper"}}
	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func redisEndpoint(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func newTestRedLock(t *testing.T, endpoint string) *RedLock {
	t.Helper()
	l, err := NewRedLock(
		config.RedisConfig{LockAddresses: []string{endpoint}, Timeout: 3 * time.Second},
		config.LockConfig{RetryCount: 1},
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRedLockMutualExclusion(t *testing.T) {
	endpoint := redisEndpoint(t)
	ctx := context.Background()
	first := newTestRedLock(t, endpoint)
	second := newTestRedLock(t, endpoint)

	ok, err := first.AcquireLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.AcquireLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = first.RefreshLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.RefreshLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.ReleaseLock(ctx, "reconcile"))

	ok, err = second.AcquireLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedLockExpires(t *testing.T) {
	endpoint := redisEndpoint(t)
	ctx := context.Background()
	first := newTestRedLock(t, endpoint)
	second := newTestRedLock(t, endpoint)

	ok, err := first.AcquireLock(ctx, "short", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := second.AcquireLock(ctx, "short", time.Second)
		return err == nil && ok
	}, 5*time.Second, 100*time.Millisecond)

	ok, err = first.RefreshLock(ctx, "short", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func etcdEndpoint(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping etcd integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.Run(ctx, "quay.io/coreos/etcd:v3.5.21",
		testcontainers.WithExposedPorts("2379/tcp"),
		testcontainers.WithCmd(
			"/usr/local/bin/etcd",
			"--listen-client-urls", "http://0.0.0.0:2379",
			"--advertise-client-urls", "http://0.0.0.0:2379",
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("ready to serve client requests").WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func newTestEtcdLock(t *testing.T, endpoint string) *EtcdLock {
	t.Helper()
	l, err := NewEtcdLock(config.ETCDConfig{
		Endpoints:      []string{endpoint},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 3 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEtcdLockMutualExclusion(t *testing.T) {
	endpoint := etcdEndpoint(t)
	ctx := context.Background()
	first := newTestEtcdLock(t, endpoint)
	second := newTestEtcdLock(t, endpoint)

	ok, err := first.AcquireLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.AcquireLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = first.RefreshLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.RefreshLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.ReleaseLock(ctx, "reconcile"))

	ok, err = second.AcquireLock(ctx, "reconcile", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEtcdLockExpiresWithoutKeepAlive(t *testing.T) {
	endpoint := etcdEndpoint(t)
	ctx := context.Background()
	first := newTestEtcdLock(t, endpoint)
	second := newTestEtcdLock(t, endpoint)

	ok, err := first.AcquireLock(ctx, "short", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// a stalled holder stops renewing its lease
	first.mu.Lock()
	first.locks["short"].cancel()
	first.mu.Unlock()

	assert.Eventually(t, func() bool {
		ok, err := second.AcquireLock(ctx, "short", 2*time.Second)
		return err == nil && ok
	}, 10*time.Second, 200*time.Millisecond)

	ok, err = first.RefreshLock(ctx, "short", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// the lost lock is forgotten, so a later acquire contends again
	ok, err = first.AcquireLock(ctx, "short", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
