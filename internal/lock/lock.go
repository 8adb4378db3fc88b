// Package lock provides the distributed lock that elects the instance
// running background reconciliation.
package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
)

// Lock is a named, expiring distributed lock.
type Lock interface {
	// AcquireLock reports false without error when another holder has the lock.
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock extends a held lock. It reports false once the lock was lost.
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	ReleaseLock(ctx context.Context, lockName string) error

	ReleaseAllLocks()

	Close() error
}

// New builds the lock backend selected by cfg.Lock.Backend.
func New(cfg *config.Config, logger *zap.Logger) (Lock, error) {
	switch cfg.Lock.Backend {
	case "etcd":
		return NewEtcdLock(cfg.ETCD, logger)
	case "redis":
		return NewRedLock(cfg.Redis, cfg.Lock, logger)
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Lock.Backend)
	}
}
