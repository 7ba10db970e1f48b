package lock

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisStore_AcquireRelease(t *testing.T) {
	rdb := newTestRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()
	roomID := "lock-test-" + t.Name()
	defer rdb.Del(ctx, lockKey(roomID))

	token, ok, err := s.Acquire(ctx, roomID, 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// 持有期间的二次抢占失败
	if _, ok, _ := s.Acquire(ctx, roomID, 30*time.Second); ok {
		t.Fatalf("second acquire while held should fail")
	}

	// 伪造 token 释放不了
	if released, _ := s.Release(ctx, roomID, "bogus"); released {
		t.Fatalf("foreign token release must be rejected")
	}

	if released, err := s.Release(ctx, roomID, token); err != nil || !released {
		t.Fatalf("owner release: released=%v err=%v", released, err)
	}

	// 释放后可重新获取
	if _, ok, _ := s.Acquire(ctx, roomID, time.Second); !ok {
		t.Fatalf("reacquire after release failed")
	}
	rdb.Del(ctx, lockKey(roomID))
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	rdb := newTestRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()
	roomID := "lock-ttl-" + t.Name()
	defer rdb.Del(ctx, lockKey(roomID))

	if _, ok, _ := s.Acquire(ctx, roomID, 50*time.Millisecond); !ok {
		t.Fatalf("acquire failed")
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok, _ := s.Acquire(ctx, roomID, time.Second); !ok {
		t.Fatalf("lock should expire via PX and become acquirable")
	}
}
