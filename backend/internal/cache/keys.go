package cache

import (
	"fmt"
	"strings"
)

// 键语义：
// - roomKey(roomID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):  房间内 userId→username 映射（Hash）
// - statsKey(roomID):  日志统计读缓存（String，JSON）

const (
	keyRoomFmt  = "presence:room:{roomID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{roomID:%s}" // Hash<userId -> username>
	keyStatsFmt = "journal:stats:{roomID:%s}"       // String(JSON)
)

func roomKey(roomID string) string  { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string { return fmt.Sprintf(keyNamesFmt, roomID) }
func statsKey(roomID string) string { return fmt.Sprintf(keyStatsFmt, roomID) }

// roomIDFromKey roomKey 的逆操作：只匹配成员 ZSet 键，
// names/stats 等其他前缀返回 ok=false
func roomIDFromKey(key string) (string, bool) {
	const prefix = "presence:room:{roomID:"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "}") {
		return "", false
	}
	roomID := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "}")
	if roomID == "" {
		return "", false
	}
	return roomID, true
}
