package ws

import (
	"sync"

	"codeRoomServer/backend/internal/cache"
)

// Hub 维护房间到连接的映射，并实现 room.Broadcaster。
// 房间之间相互独立，广播互不影响。
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Conn]bool
	presence cache.PresenceCache
}

func NewHub(presence cache.PresenceCache) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Conn]bool),
		presence: presence,
	}
}

func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.rooms[roomID]
	if conns == nil {
		conns = make(map[*Conn]bool)
		h.rooms[roomID] = conns
	}
	conns[c] = true
}

func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns := h.rooms[roomID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// BroadcastRoom room.Broadcaster 实现：投递给房间内所有连接。
// 发送走每个连接的有界 send 队列，慢连接丢消息而不是拖垮广播。
func (h *Hub) BroadcastRoom(roomID string, msg interface{}) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	frame := broadcastFrame{payload: msg}
	for _, c := range conns {
		c.enqueue(frame)
	}
}
