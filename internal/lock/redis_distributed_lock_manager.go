package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisLockTTL  = time.Minute
	defaultRedisLockPoll = 200 * time.Millisecond
)

// unlockScript deletes the key only if it still carries our token, so a lock
// that expired and was taken by another instance is left alone.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisDistributedLockManager implements DistributedLockManager with
// SET NX PX keys. Locks expire after ttl if the holder dies.
type RedisDistributedLockManager struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration

	mu     sync.Mutex
	tokens map[int64]string
}

var _ DistributedLockManager = (*RedisDistributedLockManager)(nil)

func NewRedisDistributedLockManager(client redis.UniversalClient, ttl time.Duration) *RedisDistributedLockManager {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisDistributedLockManager{
		client: client,
		prefix: "txlock:dlock:",
		ttl:    ttl,
		poll:   defaultRedisLockPoll,
		tokens: make(map[int64]string),
	}
}

func (l *RedisDistributedLockManager) key(lockID int64) string {
	return l.prefix + strconv.FormatInt(lockID, 10)
}

func (l *RedisDistributedLockManager) Acquire(ctx context.Context, lockID int64) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.TryAcquire(ctx, lockID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to acquire lock %d: %w", lockID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisDistributedLockManager) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	l.mu.Lock()
	_, held := l.tokens[lockID]
	l.mu.Unlock()
	if held {
		return false, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(lockID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[lockID] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisDistributedLockManager) Release(ctx context.Context, lockID int64) error {
	l.mu.Lock()
	token, ok := l.tokens[lockID]
	delete(l.tokens, lockID)
	l.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	if err := unlockScript.Run(ctx, l.client, []string{l.key(lockID)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
