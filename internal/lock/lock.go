// Package lock serializes concurrent calls on one workflow session.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"iam-workflow/backend/internal/security"
)

// ErrNotHeld is returned by Unlock when the lock expired or is held by another token.
var ErrNotHeld = errors.New("lock: not held")

// releaseLua deletes KEYS[1] only when it still holds ARGV[1], so a holder whose lease expired
// cannot release a lock another caller has since acquired.
var releaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

const keyPrefix = "iam:workflow:lock:"

// RedisLocker implements a lease lock with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker returns a locker using client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock acquires key for ttl without waiting. ok is false when another holder has it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := security.NewOpaqueToken(16)
	if err != nil {
		return "", false, err
	}
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases key if token still holds it.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := releaseLua.Run(ctx, l.client, []string{keyPrefix + key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process locker for single-replica deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memEntry
	now   func() time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memEntry), now: time.Now}
}

// TryLock acquires key for ttl without waiting. An expired lease is taken over.
func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := security.NewOpaqueToken(16)
	if err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, held := l.locks[key]; held && now.Before(e.expires) {
		return "", false, nil
	}
	l.locks[key] = memEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Unlock releases key if token still holds it.
func (l *MemoryLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, held := l.locks[key]
	if !held || e.token != token || !l.now().Before(e.expires) {
		return ErrNotHeld
	}
	delete(l.locks, key)
	return nil
}
