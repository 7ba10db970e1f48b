package exec

import (
	"log"
	"sort"
	"sync"
	"time"
)

// QueueStats 二级执行队列的占用情况
type QueueStats struct {
	Rooms   int            `json:"rooms"`
	Depth   int            `json:"depth"`
	PerRoom map[string]int `json:"perRoom,omitempty"`
}

// queueSet 房间级优先队列集合。
// 规模很小（单房间上限几十条），直接用切片 + 排序，不值得上堆。
type queueSet struct {
	mu        sync.Mutex
	rooms     map[string][]Request
	limit     int
	staleness time.Duration
}

func newQueueSet(limit int, staleness time.Duration) *queueSet {
	return &queueSet{
		rooms:     make(map[string][]Request),
		limit:     limit,
		staleness: staleness,
	}
}

func (q *queueSet) push(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.rooms[req.RoomID]
	if len(entries) >= q.limit {
		return ErrQueueFull
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}
	entries = append(entries, req)
	// 优先级高在前；同优先级按排队时间先来先走
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	q.rooms[req.RoomID] = entries
	return nil
}

// pushFront 排空中断时放回队头（保持原 QueuedAt，不重新排序到队尾）
func (q *queueSet) pushFront(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.rooms[req.RoomID]
	if len(entries) >= q.limit {
		return ErrQueueFull
	}
	q.rooms[req.RoomID] = append([]Request{req}, entries...)
	return nil
}

// pop 取下一条未过期的请求；过期条目直接丢弃并记日志
func (q *queueSet) pop(roomID string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.rooms[roomID]
	now := time.Now()
	for len(entries) > 0 {
		req := entries[0]
		entries = entries[1:]
		if now.Sub(req.QueuedAt) > q.staleness {
			log.Printf("warn: dropping stale queued execution room=%s user=%s queuedAt=%s",
				req.RoomID, req.UserID, req.QueuedAt.Format(time.RFC3339))
			continue
		}
		if len(entries) == 0 {
			delete(q.rooms, roomID)
		} else {
			q.rooms[roomID] = entries
		}
		return req, true
	}
	delete(q.rooms, roomID)
	return Request{}, false
}

func (q *queueSet) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := QueueStats{PerRoom: make(map[string]int)}
	for roomID, entries := range q.rooms {
		if len(entries) == 0 {
			continue
		}
		s.Rooms++
		s.Depth += len(entries)
		s.PerRoom[roomID] = len(entries)
	}
	return s
}
