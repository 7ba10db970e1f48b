package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceTTL 在线成员的逻辑存活时长：join/heartbeat 都按这个值续期。
// ws 层与引擎共用，避免两边各写一份漂移。
const PresenceTTL = 600 * time.Second

// PresenceCache 房间在线成员投影：user-joined/user-left 信封落到这里，
// 逻辑 TTL 表达“心跳过期即离线”。
type PresenceCache interface {
	AddMember(ctx context.Context, roomID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetAliveMembers(ctx context.Context, roomID string) ([]Member, error)
	GetRooms(ctx context.Context) ([]string, error)
}

type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, roomID, userID, username string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(roomID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), userID)
	tx.HDel(ctx, namesKey(roomID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		// namesKey 也以 presence:room: 开头，roomIDFromKey 只认成员 ZSet 键
		roomID, ok := roomIDFromKey(iter.Val())
		if !ok {
			continue
		}
		rooms = append(rooms, roomID)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

// 过期成员清理与读取合并成一次 Lua 调用，避免读到已过期的成员
const sweepScript = `
-- KEYS[1] = roomKey(roomID)
-- KEYS[2] = namesKey(roomID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

func (p *redisPresence) GetAliveMembers(ctx context.Context, roomID string) ([]Member, error) {
	// step1: 清理过期成员（score=expireAt，<= now 视为过期）
	now := time.Now().Unix()
	script := redis.NewScript(sweepScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, Username: name})
	}
	return members, nil
}
