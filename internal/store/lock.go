package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyLocker is an in-process PoolLocker: one mutex per pool, created lazily.
// Waiting is cancellable through ctx.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyLocker creates an empty in-process locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]chan struct{})}
}

func (l *KeyLocker) Lock(ctx context.Context, pool string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[pool]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[pool] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lock pool %s: %w", pool, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a PoolLocker shared by every instance pointing at the same
// Redis. The lock expires after ttl so a crashed holder cannot wedge a pool.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	retry    time.Duration
	unlockSc *redis.Script
}

// NewRedisLocker creates a Redis-backed pool locker. ttl bounds how long a
// batch may hold a pool; retry is the polling interval while waiting.
func NewRedisLocker(rdb *redis.Client, ttl, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &RedisLocker{
		rdb:      rdb,
		ttl:      ttl,
		retry:    retry,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, pool string) (func(), error) {
	token := uuid.New().String()
	key := poolLockKey(pool)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", pool, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: acquire lock %s: %w", pool, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Err()
		})
	}
	return unlock, nil
}

func poolLockKey(pool string) string { return "lock:pool:" + pool }

// Compile-time interface checks.
var (
	_ PoolLocker = (*KeyLocker)(nil)
	_ PoolLocker = (*RedisLocker)(nil)
)
