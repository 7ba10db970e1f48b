package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// 互斥压力：任意时刻最多一个持有者
func TestLocalStore_MutualExclusion(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	var holders int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				token, ok, err := s.Acquire(ctx, "r1", time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if !ok {
					continue
				}
				if n := atomic.AddInt32(&holders, 1); n != 1 {
					t.Errorf("overlapping lock holders: %d", n)
				}
				atomic.AddInt32(&holders, -1)
				if _, err := s.Release(ctx, "r1", token); err != nil {
					t.Errorf("release: %v", err)
				}
			}
		}()
	}
	wg.Wait()
}

// 释放按 token 限定：别人的锁删不掉
func TestLocalStore_TokenScopedRelease(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	token, ok, err := s.Acquire(ctx, "r1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	if released, _ := s.Release(ctx, "r1", "bogus-token"); released {
		t.Fatalf("release with a foreign token must be a no-op")
	}
	// 锁仍被持有
	if _, ok, _ := s.Acquire(ctx, "r1", time.Minute); ok {
		t.Fatalf("lock should still be held after failed release")
	}

	if released, _ := s.Release(ctx, "r1", token); !released {
		t.Fatalf("owner release should succeed")
	}
	if released, _ := s.Release(ctx, "r1", token); released {
		t.Fatalf("double release must report false")
	}
}

// TTL 到期后可被下一个 Acquire 机会性回收
func TestLocalStore_ExpiryReclaim(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	stale, ok, _ := s.Acquire(ctx, "r1", 10*time.Millisecond)
	if !ok {
		t.Fatalf("initial acquire failed")
	}
	time.Sleep(25 * time.Millisecond)

	fresh, ok, _ := s.Acquire(ctx, "r1", time.Minute)
	if !ok {
		t.Fatalf("expired lock should be reclaimable")
	}
	if fresh == stale {
		t.Fatalf("reclaimed lock must carry a new token")
	}
	// 过期持有者的 token 已失效
	if released, _ := s.Release(ctx, "r1", stale); released {
		t.Fatalf("stale token must not release the new lock")
	}
}

func TestLocalStore_RoomIsolation(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	if _, ok, _ := s.Acquire(ctx, "a", time.Minute); !ok {
		t.Fatalf("acquire room a failed")
	}
	if _, ok, _ := s.Acquire(ctx, "b", time.Minute); !ok {
		t.Fatalf("rooms must lock independently")
	}
}
