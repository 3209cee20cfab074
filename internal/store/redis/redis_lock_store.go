// Package redis stores lock records in Redis. Each lock is a hash that
// expires on its own at ExpiresAt while it is active; set memberships are
// indexes that readers tolerate being stale.
//
// Scripts build keys from a prefix, so the store targets a single Redis
// node rather than a cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/RezaEskandarii/txlock/internal/state"
	"github.com/RezaEskandarii/txlock/internal/store"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "txlock:"
	activeSetKey  = "active"
	releasedKey   = "released"
	waitsKey      = "waits"

	// shrinkMarkerTTL matches the default retention of released rows, the
	// window in which Postgres still reports a shrunk transaction.
	shrinkMarkerTTL = 24 * time.Hour
)

// insertScript releases expired locks on the resource, rejects the insert
// when another transaction holds a conflicting active lock, and otherwise
// writes the lock hash and its index entries.
//
// KEYS: resource set, lock hash, transaction set, active set, released zset
// ARGV: id, resource id, resource type, lock type, transaction id, user id,
// phase, status, acquired ms, expires ms, lock key prefix
var insertScript = redis.NewScript(`
local now = tonumber(ARGV[9])
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
	local key = ARGV[11] .. id
	local h = redis.call('HMGET', key, 'status', 'expires_at', 'transaction_id', 'lock_type')
	if not h[1] then
		redis.call('SREM', KEYS[1], id)
		redis.call('SREM', KEYS[4], id)
	elseif h[1] ~= 'active' then
		redis.call('SREM', KEYS[1], id)
	elseif tonumber(h[2]) <= now then
		redis.call('HSET', key, 'status', 'released', 'released_at', ARGV[9])
		redis.call('PERSIST', key)
		redis.call('SREM', KEYS[1], id)
		redis.call('SREM', KEYS[4], id)
		redis.call('ZADD', KEYS[5], now, id)
	elseif h[3] ~= ARGV[5] and (h[4] == 'exclusive' or ARGV[4] == 'exclusive') then
		return 0
	end
end
redis.call('HSET', KEYS[2],
	'id', ARGV[1], 'resource_id', ARGV[2], 'resource_type', ARGV[3],
	'lock_type', ARGV[4], 'transaction_id', ARGV[5], 'user_id', ARGV[6],
	'phase', ARGV[7], 'status', ARGV[8], 'acquired_at', ARGV[9],
	'expires_at', ARGV[10], 'released_at', '')
redis.call('PEXPIREAT', KEYS[2], ARGV[10])
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`)

// releaseScript marks candidate locks released.
//
// KEYS: active set, released zset
// ARGV: key prefix, now ms, transaction filter ("" matches any),
// expired-only flag ("1" or "0"), candidate ids...
var releaseScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local count = 0
for i = 5, #ARGV do
	local id = ARGV[i]
	local key = prefix .. 'lock:' .. id
	local h = redis.call('HMGET', key, 'status', 'transaction_id', 'expires_at', 'resource_type', 'resource_id')
	if not h[1] then
		redis.call('SREM', KEYS[1], id)
	elseif h[1] == 'active'
		and (ARGV[3] == '' or h[2] == ARGV[3])
		and (ARGV[4] ~= '1' or tonumber(h[3]) <= now) then
		redis.call('HSET', key, 'status', 'released', 'released_at', ARGV[2])
		redis.call('PERSIST', key)
		redis.call('SREM', KEYS[1], id)
		redis.call('SREM', prefix .. 'res:' .. h[4] .. ':' .. h[5], id)
		redis.call('ZADD', KEYS[2], now, id)
		count = count + 1
	end
end
return count
`)

// phaseScript moves active locks of a transaction from one phase to another.
// Entering the shrinking phase also sets the transaction's shrink marker,
// which outlives the lock hashes once they expire.
//
// KEYS: transaction set, shrink marker
// ARGV: key prefix, from, to, marker ttl ms
var phaseScript = redis.NewScript(`
local count = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local key = ARGV[1] .. 'lock:' .. id
	local h = redis.call('HMGET', key, 'status', 'phase')
	if h[1] == 'active' and h[2] == ARGV[2] then
		redis.call('HSET', key, 'phase', ARGV[3])
		count = count + 1
	end
end
if count > 0 and ARGV[3] == 'shrinking' then
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[4])
end
return count
`)

type RedisLockStore struct {
	client redis.UniversalClient
	prefix string
}

var _ store.LockStore = (*RedisLockStore)(nil)

func NewRedisLockStore(client redis.UniversalClient) *RedisLockStore {
	return &RedisLockStore{client: client, prefix: defaultPrefix}
}

// WithPrefix returns a copy of the store that namespaces every key with prefix.
func (s *RedisLockStore) WithPrefix(prefix string) *RedisLockStore {
	return &RedisLockStore{client: s.client, prefix: prefix}
}

func (s *RedisLockStore) lockKey(id string) string   { return s.prefix + "lock:" + id }
func (s *RedisLockStore) txKey(id string) string     { return s.prefix + "tx:" + id }
func (s *RedisLockStore) shrunkKey(id string) string { return s.prefix + "shrunk:" + id }
func (s *RedisLockStore) resourceKey(resourceID, resourceType string) string {
	return s.prefix + "res:" + resourceType + ":" + resourceID
}

func (s *RedisLockStore) FindActive(ctx context.Context, resourceID, resourceType string, now time.Time) ([]types.Lock, error) {
	locks, err := s.loadSet(ctx, s.resourceKey(resourceID, resourceType))
	if err != nil {
		return nil, fmt.Errorf("failed to query active locks: %w", err)
	}
	return filterActive(locks, now), nil
}

func (s *RedisLockStore) TryInsertIfAbsent(ctx context.Context, lock *types.Lock) (bool, error) {
	keys := []string{
		s.resourceKey(lock.ResourceID, lock.ResourceType),
		s.lockKey(lock.ID),
		s.txKey(lock.TransactionID),
		s.prefix + activeSetKey,
		s.prefix + releasedKey,
	}
	res, err := insertScript.Run(ctx, s.client, keys,
		lock.ID, lock.ResourceID, lock.ResourceType, string(lock.LockType), lock.TransactionID, lock.UserID,
		string(lock.Phase), string(lock.Status), lock.AcquiredAt.UnixMilli(), lock.ExpiresAt.UnixMilli(),
		s.prefix+"lock:",
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}
	return res == 1, nil
}

func (s *RedisLockStore) FindByTransaction(ctx context.Context, transactionID string) ([]types.Lock, error) {
	locks, err := s.loadSet(ctx, s.txKey(transactionID))
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction locks: %w", err)
	}
	active := locks[:0]
	for _, l := range locks {
		if l.Status == state.StatusActive {
			active = append(active, l)
		}
	}
	return active, nil
}

func (s *RedisLockStore) HasShrinkingLock(ctx context.Context, transactionID string) (bool, error) {
	marked, err := s.client.Exists(ctx, s.shrunkKey(transactionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock phase: %w", err)
	}
	if marked > 0 {
		return true, nil
	}
	locks, err := s.loadSet(ctx, s.txKey(transactionID))
	if err != nil {
		return false, fmt.Errorf("failed to check lock phase: %w", err)
	}
	for _, l := range locks {
		if l.Phase == state.PhaseShrinking {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisLockStore) UpdatePhase(ctx context.Context, transactionID string, from, to state.LockPhase) (int64, error) {
	if !state.IsValidPhaseTransition(from, to) {
		return 0, fmt.Errorf("invalid phase transition from %s to %s", from, to)
	}
	keys := []string{s.txKey(transactionID), s.shrunkKey(transactionID)}
	n, err := phaseScript.Run(ctx, s.client, keys, s.prefix, string(from), string(to), shrinkMarkerTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to update lock phase: %w", err)
	}
	return n, nil
}

func (s *RedisLockStore) Release(ctx context.Context, resourceID, resourceType, transactionID string, at time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.resourceKey(resourceID, resourceType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to release lock: %w", err)
	}
	return s.release(ctx, at, transactionID, false, ids)
}

func (s *RedisLockStore) ReleaseByTransaction(ctx context.Context, transactionID string, at time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.txKey(transactionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to release transaction locks: %w", err)
	}
	return s.release(ctx, at, transactionID, false, ids)
}

func (s *RedisLockStore) ReleaseByID(ctx context.Context, lockID string, at time.Time) (bool, error) {
	n, err := s.release(ctx, at, "", false, []string{lockID})
	return n > 0, err
}

func (s *RedisLockStore) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.prefix+activeSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	return s.release(ctx, now, "", true, ids)
}

func (s *RedisLockStore) release(ctx context.Context, at time.Time, transactionID string, expiredOnly bool, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	flag := "0"
	if expiredOnly {
		flag = "1"
	}
	args := make([]any, 0, len(ids)+4)
	args = append(args, s.prefix, at.UnixMilli(), transactionID, flag)
	for _, id := range ids {
		args = append(args, id)
	}
	n, err := releaseScript.Run(ctx, s.client, []string{s.prefix + activeSetKey, s.prefix + releasedKey}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to release locks: %w", err)
	}
	return n, nil
}

func (s *RedisLockStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.prefix+releasedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list released locks: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		txID, err := s.client.HGet(ctx, s.lockKey(id), "transaction_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return deleted, fmt.Errorf("failed to read released lock %s: %w", id, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.lockKey(id))
			pipe.ZRem(ctx, s.prefix+releasedKey, id)
			if txID != "" {
				pipe.SRem(ctx, s.txKey(txID), id)
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete released lock %s: %w", id, err)
		}
		deleted++
	}

	if err := s.deleteStaleWaits(ctx, before); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *RedisLockStore) ListActive(ctx context.Context, now time.Time) ([]types.Lock, error) {
	locks, err := s.loadSet(ctx, s.prefix+activeSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	return filterActive(locks, now), nil
}

func (s *RedisLockStore) CountActiveByTransaction(ctx context.Context, transactionID string) (int, error) {
	locks, err := s.FindByTransaction(ctx, transactionID)
	if err != nil {
		return 0, err
	}
	return len(locks), nil
}

func (s *RedisLockStore) RecordWait(ctx context.Context, wait types.LockWait) error {
	field := waitField(wait.TransactionID, wait.ResourceID, wait.ResourceType)
	existing, err := s.client.HGet(ctx, s.prefix+waitsKey, field).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to record lock wait: %w", err)
	}
	if existing != "" {
		var prev types.LockWait
		if json.Unmarshal([]byte(existing), &prev) == nil {
			wait.Since = prev.Since
		}
	}
	payload, err := json.Marshal(wait)
	if err != nil {
		return fmt.Errorf("failed to marshal lock wait: %w", err)
	}
	if err := s.client.HSet(ctx, s.prefix+waitsKey, field, payload).Err(); err != nil {
		return fmt.Errorf("failed to record lock wait: %w", err)
	}
	return nil
}

func (s *RedisLockStore) ClearWait(ctx context.Context, transactionID, resourceID, resourceType string) error {
	if err := s.client.HDel(ctx, s.prefix+waitsKey, waitField(transactionID, resourceID, resourceType)).Err(); err != nil {
		return fmt.Errorf("failed to clear lock wait: %w", err)
	}
	return nil
}

func (s *RedisLockStore) ListWaits(ctx context.Context, now time.Time) ([]types.LockWait, error) {
	all, err := s.client.HGetAll(ctx, s.prefix+waitsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list lock waits: %w", err)
	}
	var waits []types.LockWait
	for _, raw := range all {
		var w types.LockWait
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("failed to decode lock wait: %w", err)
		}
		if w.ExpiresAt.After(now) {
			waits = append(waits, w)
		}
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i].Since.Before(waits[j].Since) })
	return waits, nil
}

func (s *RedisLockStore) deleteStaleWaits(ctx context.Context, before time.Time) error {
	all, err := s.client.HGetAll(ctx, s.prefix+waitsKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list lock waits: %w", err)
	}
	var stale []string
	for field, raw := range all {
		var w types.LockWait
		if json.Unmarshal([]byte(raw), &w) != nil || w.ExpiresAt.Before(before) {
			stale = append(stale, field)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.prefix+waitsKey, stale...).Err(); err != nil {
		return fmt.Errorf("failed to delete stale waits: %w", err)
	}
	return nil
}

func (s *RedisLockStore) Close() error {
	return s.client.Close()
}

// loadSet reads every lock hash referenced by the set at key. Ids whose hash
// already expired are skipped.
func (s *RedisLockStore) loadSet(ctx context.Context, key string) ([]types.Lock, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.lockKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	locks := make([]types.Lock, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		l, err := decodeLock(fields)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func decodeLock(f map[string]string) (types.Lock, error) {
	l := types.Lock{
		ID:            f["id"],
		ResourceID:    f["resource_id"],
		ResourceType:  f["resource_type"],
		LockType:      types.LockType(f["lock_type"]),
		TransactionID: f["transaction_id"],
		UserID:        f["user_id"],
		Phase:         state.LockPhase(f["phase"]),
		Status:        state.LockStatus(f["status"]),
	}
	var err error
	if l.AcquiredAt, err = parseMillis(f["acquired_at"]); err != nil {
		return l, fmt.Errorf("lock %s: bad acquired_at: %w", l.ID, err)
	}
	if l.ExpiresAt, err = parseMillis(f["expires_at"]); err != nil {
		return l, fmt.Errorf("lock %s: bad expires_at: %w", l.ID, err)
	}
	if v := f["released_at"]; v != "" {
		t, err := parseMillis(v)
		if err != nil {
			return l, fmt.Errorf("lock %s: bad released_at: %w", l.ID, err)
		}
		l.ReleasedAt = &t
	}
	return l, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func filterActive(locks []types.Lock, now time.Time) []types.Lock {
	active := make([]types.Lock, 0, len(locks))
	for i := range locks {
		if locks[i].IsActiveAt(now) {
			active = append(active, locks[i])
		}
	}
	return active
}

func waitField(transactionID, resourceID, resourceType string) string {
	return transactionID + "|" + resourceType + "|" + resourceID
}
