package cache

import "testing"

func TestRoomIDFromKey(t *testing.T) {
	// roomKey 的往返
	roomID, ok := roomIDFromKey(roomKey("abc"))
	if !ok || roomID != "abc" {
		t.Fatalf("roomIDFromKey(roomKey) = %q, %v", roomID, ok)
	}

	// names / stats 键不是成员 ZSet 键
	if _, ok := roomIDFromKey(namesKey("abc")); ok {
		t.Fatalf("names key must not parse as a room key")
	}
	if _, ok := roomIDFromKey(statsKey("abc")); ok {
		t.Fatalf("stats key must not parse as a room key")
	}

	for _, bad := range []string{"", "presence:room:", "presence:room:{roomID:}", "other:key"} {
		if _, ok := roomIDFromKey(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestPresenceTTL(t *testing.T) {
	// ws 层与引擎共用同一个续期时长（两处硬编码曾经各写一份）
	if PresenceTTL <= 0 {
		t.Fatalf("PresenceTTL = %v", PresenceTTL)
	}
}
