package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	// 锁存储本身不可用（区别于“锁被别人持有”）
	ErrStoreUnavailable = errors.New("LOCK_STORE_UNAVAILABLE")
)

// Store 房间互斥锁的存储策略。
// 语义：原子的 set-if-absent + 过期时间；Release 是 compare-and-delete，
// 只有 token 与当前持有者一致时才会成功。任一时刻每个房间至多一个活 token。
type Store interface {
	// Acquire 尝试拿锁；ok=false 表示锁被持有（不是错误）
	Acquire(ctx context.Context, roomID string, ttl time.Duration) (token string, ok bool, err error)
	// Release 归还锁；token 不匹配时返回 false
	Release(ctx context.Context, roomID, token string) (bool, error)
	// Name 诊断用的策略名
	Name() string
}

// New 在启动时一次性选择策略：Redis 可达用分布式锁，否则降级为进程内实现。
// 降级是明确的弱保证（仅单实例部署有效），必须留下 warn 日志，不在调用点做运行时切换。
func New(ctx context.Context, rdb redis.UniversalClient) Store {
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err == nil {
			return NewRedisStore(rdb)
		} else {
			log.Printf("warn: lock store degraded to local (single-instance only): redis unreachable: %v", err)
		}
	} else {
		log.Printf("warn: lock store degraded to local (single-instance only): no redis configured")
	}
	return NewLocalStore()
}

// newToken 不透明持有凭证。随机即可，不承载任何语义。
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
