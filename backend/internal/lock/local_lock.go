package lock

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// localStore 进程内的 NX+过期 锁实现。
// 与 Redis 实现语义一致，但只对单实例部署有效（见 Store.New 的降级日志）。
// 过期条目在下一次 Acquire 时顺带回收，不起后台定时器。
type localStore struct {
	mu    sync.Mutex
	locks map[string]localEntry
}

func NewLocalStore() Store {
	return &localStore{locks: make(map[string]localEntry)}
}

func (s *localStore) Name() string { return "local" }

func (s *localStore) Acquire(ctx context.Context, roomID string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, held := s.locks[roomID]; held {
		if now.Before(e.expiresAt) {
			return "", false, nil
		}
		// 机会性回收：持有者早已超时
		delete(s.locks, roomID)
	}

	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	s.locks[roomID] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (s *localStore) Release(ctx context.Context, roomID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, held := s.locks[roomID]
	if !held || e.token != token {
		return false, nil
	}
	delete(s.locks, roomID)
	return true, nil
}
