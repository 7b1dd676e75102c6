package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

const redisKeyPrefix = "jobcore:lock:"

// acquireScript writes the lease hash only when the key is absent. Redis
// expires the key itself, so an absent key means no valid lease.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'owner', ARGV[2], 'acquired_at', ARGV[3], 'expires_at', ARGV[4], 'version', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisStore keeps leases as Redis hashes with a native TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

func (s *RedisStore) Acquire(ctx context.Context, rec *models.SchedulerLock, now time.Time) error {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("acquire %s: non-positive ttl", rec.LockKey)
	}

	ok, err := acquireScript.Run(ctx, s.rdb, []string{redisKey(rec.LockKey)},
		rec.LockValue,
		rec.Owner,
		rec.AcquiredAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", rec.LockKey, err)
	}
	if ok == 0 {
		return ErrLockHeld
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{redisKey(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Renew(ctx context.Context, key, owner string, expiresAt, now time.Time) (bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	n, err := renewScript.Run(ctx, s.rdb, []string{redisKey(key)},
		owner, expiresAt.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (*models.SchedulerLock, error) {
	fields, err := s.rdb.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &models.SchedulerLock{
		LockKey:    key,
		LockValue:  fields["value"],
		Owner:      fields["owner"],
		AcquiredAt: parseMillis(fields["acquired_at"]),
		ExpiresAt:  parseMillis(fields["expires_at"]),
	}
	rec.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	if !rec.ValidAt(now) {
		return nil, nil
	}
	return rec, nil
}

// DeleteExpired is a no-op: Redis evicts expired leases on its own.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
