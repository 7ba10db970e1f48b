package ws

import (
	"sync"
	"testing"
	"time"
)

// 广播方可能在连接下线之前取到快照、下线之后才入队。
// 迟到的帧必须被丢弃，而不是 panic 掉整个进程。
func TestEnqueueAfterDisconnectIsDropped(t *testing.T) {
	h := NewHub(nil)
	c := NewConn(nil, h, "u1", "alice", nil)
	h.Join("r1", c)

	// 模拟 BroadcastRoom 的快照阶段
	h.mu.RLock()
	snapshot := make([]*Conn, 0, len(h.rooms["r1"]))
	for conn := range h.rooms["r1"] {
		snapshot = append(snapshot, conn)
	}
	h.mu.RUnlock()

	// 连接此刻走完下线路径
	h.Leave("r1", c)
	c.shutdown()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("late broadcast panicked: %v", r)
		}
	}()
	for _, conn := range snapshot {
		conn.enqueue(broadcastFrame{payload: "late"})
	}

	// 下线后的入队必须是丢弃，不能留在队列里
	select {
	case msg := <-c.send:
		t.Fatalf("late frame should be dropped, got %v", msg)
	default:
	}
}

// 下线与并发广播同时发生也不会 panic
func TestConcurrentBroadcastAndShutdown(t *testing.T) {
	h := NewHub(nil)
	conns := make([]*Conn, 16)
	for i := range conns {
		conns[i] = NewConn(nil, h, "u", "", nil)
		h.Join("r1", conns[i])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			h.BroadcastRoom("r1", broadcastFrame{payload: i})
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range conns {
			h.Leave("r1", c)
			c.shutdown()
		}
	}()
	wg.Wait()
}

func TestWriteLoopStopsOnShutdown(t *testing.T) {
	c := NewConn(nil, NewHub(nil), "u1", "", nil)
	stopped := make(chan struct{})
	go func() {
		c.writeLoop()
		close(stopped)
	}()

	c.shutdown()
	// 重复 shutdown 幂等
	c.shutdown()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("writeLoop did not exit after shutdown")
	}
}
