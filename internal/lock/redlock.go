package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
)

const redisKeyPrefix = "livevote:lock:"

var (
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	unlockScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// RedLock implements the Redlock algorithm over independent Redis nodes: a
// lock is held when a majority of nodes accepted the token within its TTL.
type RedLock struct {
	clients   []*redis.Client
	addresses []string
	retries   int
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]string // lock name -> token
}

func NewRedLock(redisCfg config.RedisConfig, lockCfg config.LockConfig, logger *zap.Logger) (*RedLock, error) {
	addresses := redisCfg.LockAddresses
	if len(addresses) == 0 {
		addresses = []string{redisCfg.DataAddress}
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout(redisCfg.Timeout))
	defer cancel()

	var clients []*redis.Client
	for _, addr := range addresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     redisCfg.Password,
			DB:           redisCfg.DB,
			PoolSize:     redisCfg.PoolSize,
			MaxRetries:   redisCfg.MaxRetries,
			DialTimeout:  redisCfg.Timeout,
			ReadTimeout:  redisCfg.Timeout,
			WriteTimeout: redisCfg.Timeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("ping redis lock node %s: %w", addr, err)
		}
		clients = append(clients, client)
	}

	retries := lockCfg.RetryCount
	if retries <= 0 {
		retries = 1
	}

	return &RedLock{
		clients:   clients,
		addresses: addresses,
		retries:   retries,
		logger:    logger.Named("redlock"),
		locks:     make(map[string]string),
	}, nil
}

func pingTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return 3 * time.Second
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[lockName]; ok {
		return true, nil
	}

	key := redisKeyPrefix + lockName
	token := uuid.NewString()

	for attempt := 0; attempt < r.retries; attempt++ {
		start := time.Now()
		acquired := 0
		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				r.logger.Warn("lock node unavailable",
					zap.String("node", r.addresses[i]),
					zap.String("lock", lockName),
					zap.Error(err),
				)
				continue
			}
			if ok {
				acquired++
			}
		}

		if acquired >= r.quorum() && time.Since(start) < ttl {
			r.locks[lockName] = token
			return true, nil
		}

		r.unlockAll(key, token)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false, nil
}

func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.locks[lockName]
	if !ok {
		return false, nil
	}

	key := redisKeyPrefix + lockName
	refreshed := 0
	for i, client := range r.clients {
		n, err := refreshScript.Run(ctx, client, []string{key}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.logger.Warn("refresh on lock node failed",
				zap.String("node", r.addresses[i]),
				zap.String("lock", lockName),
				zap.Error(err),
			)
			continue
		}
		if n == 1 {
			refreshed++
		}
	}

	if refreshed >= r.quorum() {
		return true, nil
	}
	delete(r.locks, lockName)
	return false, nil
}

func (r *RedLock) ReleaseLock(_ context.Context, lockName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.locks[lockName]
	if !ok {
		return nil
	}
	r.unlockAll(redisKeyPrefix+lockName, token)
	delete(r.locks, lockName)
	return nil
}

// unlockAll deletes the key on every node where it still carries token.
func (r *RedLock) unlockAll(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i, client := range r.clients {
		if err := unlockScript.Run(ctx, client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("unlock on lock node failed",
				zap.String("node", r.addresses[i]),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(redisKeyPrefix+name, token)
	}
	r.locks = make(map[string]string)
}

func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	var errs []error
	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
