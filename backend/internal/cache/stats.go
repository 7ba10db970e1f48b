package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"codeRoomServer/backend/internal/journal"
)

const (
	statsBaseTTL = 30 * time.Second // 诊断统计允许短暂陈旧
	statsJitter  = 10 * time.Second // 随机抖动，防止缓存雪崩
	// 空值标记，防止缓存穿透
	emptyStatsMarker = `{"null":true}`
)

// 获取随机 TTL
func randomStatsTTL() time.Duration {
	return statsBaseTTL + time.Duration(rand.Int63n(int64(statsJitter)))
}

// StatsCache 日志统计的读穿缓存：
// 诊断面的 stats 查询可能被轮询，用 Singleflight 合并并发回源，
// Redis 层挡掉绝大多数 COUNT 扫描。
type StatsCache struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewStatsCache(rdb redis.UniversalClient) *StatsCache {
	return &StatsCache{rdb: rdb}
}

// GetRoomStats 组合策略（Singleflight + 读缓存 + 回源 + 空值标记）
func (c *StatsCache) GetRoomStats(
	ctx context.Context,
	roomID string,
	fetchDB func() (journal.RoomStats, error),
) (journal.RoomStats, error) {
	key := statsKey(roomID)
	val, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if c.rdb != nil {
			raw, err := c.rdb.Get(ctx, key).Result()
			if err == nil {
				if raw == emptyStatsMarker {
					return journal.RoomStats{RoomID: roomID}, nil
				}
				var st journal.RoomStats
				if jsonErr := json.Unmarshal([]byte(raw), &st); jsonErr == nil {
					return st, nil
				}
				// 缓存内容坏了就当 miss 回源
			} else if !errors.Is(err, redis.Nil) {
				// Redis 抖动不挡查询，直接回源
			}
		}

		st, err := fetchDB()
		if err != nil {
			return journal.RoomStats{}, err
		}

		if c.rdb != nil {
			if st.Total == 0 {
				_ = c.rdb.Set(ctx, key, emptyStatsMarker, time.Minute).Err()
			} else if b, jsonErr := json.Marshal(st); jsonErr == nil {
				_ = c.rdb.Set(ctx, key, b, randomStatsTTL()).Err()
			}
		}
		return st, nil
	})
	if err != nil {
		return journal.RoomStats{}, err
	}
	if st, ok := val.(journal.RoomStats); ok {
		return st, nil
	}
	return journal.RoomStats{}, errors.New("internal type error")
}

// Invalidate 强推/清理之后让统计缓存失效
func (c *StatsCache) Invalidate(ctx context.Context, roomID string) {
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, statsKey(roomID)).Err()
	}
}
