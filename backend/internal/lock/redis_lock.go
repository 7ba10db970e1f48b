package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyLockFmt = "exec:lock:{roomID:%s}"

func lockKey(roomID string) string { return fmt.Sprintf(keyLockFmt, roomID) }

// 释放必须校验 token，避免超时后把别人的锁删掉
const releaseScript = `
-- KEYS[1] = lockKey(roomID)
-- ARGV[1] = token

if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type redisStore struct {
	rdb     redis.UniversalClient
	release *redis.Script
}

func NewRedisStore(rdb redis.UniversalClient) Store {
	return &redisStore{rdb: rdb, release: redis.NewScript(releaseScript)}
}

func (s *redisStore) Name() string { return "redis" }

func (s *redisStore) Acquire(ctx context.Context, roomID string, ttl time.Duration) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	// SET key token NX PX ttl：原子的“不存在才设置 + 过期”
	ok, err := s.rdb.SetNX(ctx, lockKey(roomID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *redisStore) Release(ctx context.Context, roomID, token string) (bool, error) {
	n, err := s.release.Run(ctx, s.rdb, []string{lockKey(roomID)}, token).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n == 1, nil
}
