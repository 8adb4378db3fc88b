package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
)

const etcdKeyPrefix = "/livevote/locks/"

// EtcdLock holds locks as keys bound to a lease that is kept alive in the
// background until release.
type EtcdLock struct {
	client         *clientv3.Client
	logger         *zap.Logger
	requestTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // stops the keep-alive loop
}

func NewEtcdLock(cfg config.ETCDConfig, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 3 * time.Second
	}
	return &EtcdLock{
		client:         cli,
		logger:         logger.Named("etcd-lock"),
		requestTimeout: requestTimeout,
		locks:          make(map[string]*lockEntry),
	}, nil
}

// ttlSeconds rounds up to the lease granularity.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[lockName]; ok {
		return true, nil
	}

	key := etcdKeyPrefix + lockName
	grant, err := el.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	resp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		el.revoke(grant.ID)
		return false, fmt.Errorf("acquire lock %s: %w", lockName, err)
	}
	if !resp.Succeeded {
		el.revoke(grant.ID)
		return false, nil
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, lockName, grant.ID, ttl)

	el.locks[lockName] = &lockEntry{leaseID: grant.ID, key: key, cancel: cancel}
	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, _ time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[lockName]
	if !ok {
		return false, nil
	}

	if _, err := el.client.KeepAliveOnce(ctx, entry.leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			entry.cancel()
			delete(el.locks, lockName)
			return false, nil
		}
		return false, fmt.Errorf("refresh lock %s: %w", lockName, err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.releaseLock(ctx, lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()
	for lockName := range el.locks {
		if err := el.releaseLock(ctx, lockName); err != nil {
			el.logger.Warn("release lock failed", zap.String("lock", lockName), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

func (el *EtcdLock) keepAlive(ctx context.Context, lockName string, leaseID clientv3.LeaseID, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, el.requestTimeout)
			_, err := el.client.KeepAliveOnce(reqCtx, leaseID)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					el.logger.Warn("lease keep-alive failed", zap.String("lock", lockName), zap.Error(err))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (el *EtcdLock) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()
	if _, err := el.client.Revoke(ctx, leaseID); err != nil {
		el.logger.Debug("revoke lease failed", zap.Error(err))
	}
}

func (el *EtcdLock) releaseLock(ctx context.Context, lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}
	entry.cancel()
	delete(el.locks, lockName)

	// revoking the lease deletes the key with it
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("release lock %s: %w", lockName, err)
	}
	return nil
}
