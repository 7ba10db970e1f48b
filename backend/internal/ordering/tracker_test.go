package ordering

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func testEnv(roomID string, seq int64) Envelope {
	return Envelope{
		RoomID:          roomID,
		Sequence:        seq,
		Type:            TypeChat,
		UserID:          "u1",
		ServerTimestamp: time.Now(),
	}
}

func newTestTracker(bufferLimit int) *Tracker {
	return NewTracker(TrackerOptions{
		BufferLimit:   bufferLimit,
		GapTimeout:    time.Second,
		IdleTimeout:   time.Hour, // 测试期间不让清扫器介入
		SweepInterval: time.Hour,
	})
}

// 场景：到达顺序 1,2,4,5，然后 3 补上，3,4,5 在同一次调用中排出
func TestProcessMessage_BufferAndDrain(t *testing.T) {
	tr := newTestTracker(16)
	defer tr.Close()

	r1 := tr.ProcessMessage("r1", testEnv("r1", 1))
	if !r1.IsValid || len(r1.Ordered) != 1 {
		t.Fatalf("seq 1: IsValid=%v ordered=%d, want accepted single", r1.IsValid, len(r1.Ordered))
	}
	r2 := tr.ProcessMessage("r1", testEnv("r1", 2))
	if !r2.IsValid || len(r2.Ordered) != 1 {
		t.Fatalf("seq 2: IsValid=%v ordered=%d", r2.IsValid, len(r2.Ordered))
	}

	r4 := tr.ProcessMessage("r1", testEnv("r1", 4))
	if !r4.Buffered || r4.MissingSince != 3 {
		t.Fatalf("seq 4: Buffered=%v MissingSince=%d, want buffered with missingSince=3", r4.Buffered, r4.MissingSince)
	}
	r5 := tr.ProcessMessage("r1", testEnv("r1", 5))
	if !r5.Buffered || r5.MissingSince != 3 {
		t.Fatalf("seq 5: Buffered=%v MissingSince=%d", r5.Buffered, r5.MissingSince)
	}

	r3 := tr.ProcessMessage("r1", testEnv("r1", 3))
	if !r3.IsValid {
		t.Fatalf("seq 3 should be accepted")
	}
	if len(r3.Ordered) != 3 {
		t.Fatalf("seq 3 should drain [3,4,5], got %d messages", len(r3.Ordered))
	}
	for i, env := range r3.Ordered {
		if env.Sequence != int64(3+i) {
			t.Fatalf("drained[%d].Sequence = %d, want %d", i, env.Sequence, 3+i)
		}
	}

	st, ok := tr.Room("r1")
	if !ok || st.Expected != 6 || len(st.Buffered) != 0 {
		t.Fatalf("room state after drain: %+v", st)
	}
}

// 任意投递排列最终都收敛为恰好一次、严格有序的 1..N
func TestProcessMessage_PermutationConvergence(t *testing.T) {
	const n = 20
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 10; trial++ {
		tr := newTestTracker(n)
		roomID := fmt.Sprintf("perm-%d", trial)

		perm := rng.Perm(n)
		var collected []int64
		for _, idx := range perm {
			res := tr.ProcessMessage(roomID, testEnv(roomID, int64(idx+1)))
			for _, env := range res.Ordered {
				collected = append(collected, env.Sequence)
			}
		}
		tr.Close()

		if len(collected) != n {
			t.Fatalf("trial %d: collected %d messages, want %d (perm=%v)", trial, len(collected), n, perm)
		}
		for i, seq := range collected {
			if seq != int64(i+1) {
				t.Fatalf("trial %d: collected[%d]=%d, want %d", trial, i, seq, i+1)
			}
		}
	}
}

// 重复投递永远判定为 duplicate，绝不再次排出
func TestProcessMessage_DuplicateIdempotence(t *testing.T) {
	tr := newTestTracker(16)
	defer tr.Close()

	tr.ProcessMessage("r1", testEnv("r1", 1))
	tr.ProcessMessage("r1", testEnv("r1", 2))

	for i := 0; i < 3; i++ {
		res := tr.ProcessMessage("r1", testEnv("r1", 1))
		if !res.IsDuplicate {
			t.Fatalf("redelivery of seq 1 should be duplicate, got %+v", res)
		}
		if len(res.Ordered) != 0 {
			t.Fatalf("duplicate must not re-emit messages")
		}
	}
}

// 缓冲有界：超限淘汰最早缓冲的条目
func TestProcessMessage_BoundedBuffer(t *testing.T) {
	tr := newTestTracker(3)
	defer tr.Close()

	// expected=1，全部乱序进缓冲
	for _, seq := range []int64{10, 20, 30} {
		tr.ProcessMessage("r1", testEnv("r1", seq))
	}
	tr.ProcessMessage("r1", testEnv("r1", 40))

	st, _ := tr.Room("r1")
	if len(st.Buffered) != 3 {
		t.Fatalf("buffer size = %d, want 3 (bounded)", len(st.Buffered))
	}
	for _, seq := range st.Buffered {
		if seq == 10 {
			t.Fatalf("oldest buffered entry (10) should have been evicted, buffer=%v", st.Buffered)
		}
	}
}

// 强推恢复：丢弃新 expected 之下的缓冲，已连续的缓冲立即排出；幂等
func TestForceAdvance(t *testing.T) {
	tr := newTestTracker(16)
	defer tr.Close()

	for seq := int64(1); seq <= 4; seq++ {
		tr.ProcessMessage("r1", testEnv("r1", seq))
	}
	// expected=5；6..9 与 10 进入缓冲
	for _, seq := range []int64{6, 7, 8, 9, 10} {
		tr.ProcessMessage("r1", testEnv("r1", seq))
	}

	res := tr.ForceAdvance("r1", 10)
	if !res.IsValid {
		t.Fatalf("force advance should succeed")
	}
	if len(res.Ordered) != 1 || res.Ordered[0].Sequence != 10 {
		t.Fatalf("force advance should drain buffered seq 10, got %+v", res.Ordered)
	}

	st, _ := tr.Room("r1")
	if st.Expected != 11 || len(st.Buffered) != 0 {
		t.Fatalf("state after force advance: %+v", st)
	}

	// 对同一目标幂等
	res2 := tr.ForceAdvance("r1", 10)
	if len(res2.Ordered) != 0 {
		t.Fatalf("repeated force advance must be a no-op, got %+v", res2)
	}
	st2, _ := tr.Room("r1")
	if st2.Expected != 11 {
		t.Fatalf("expected moved backwards after repeated force advance: %+v", st2)
	}
}

// 闲置清扫回收房间内存投影
func TestSweepIdleRooms(t *testing.T) {
	tr := NewTracker(TrackerOptions{
		BufferLimit:   8,
		GapTimeout:    time.Second,
		IdleTimeout:   10 * time.Millisecond,
		SweepInterval: time.Hour, // 手动触发
	})
	defer tr.Close()

	tr.ProcessMessage("idle-room", testEnv("idle-room", 1))
	time.Sleep(30 * time.Millisecond)
	tr.sweepIdle()

	if _, ok := tr.Room("idle-room"); ok {
		t.Fatalf("idle room should have been reclaimed")
	}
}

func TestGlobalStats(t *testing.T) {
	tr := newTestTracker(8)
	defer tr.Close()

	tr.ProcessMessage("a", testEnv("a", 1))
	tr.ProcessMessage("b", testEnv("b", 5)) // buffered

	st := tr.GlobalStats()
	if st.ActiveRooms != 2 || st.BufferedTotal != 1 || st.BufferLimit != 8 {
		t.Fatalf("global stats = %+v", st)
	}
	ids := tr.RoomIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("room ids = %v", ids)
	}

	if n := tr.Reset(); n != 2 {
		t.Fatalf("Reset dropped %d rooms, want 2", n)
	}
	if st := tr.GlobalStats(); st.ActiveRooms != 0 {
		t.Fatalf("stats after reset = %+v", st)
	}
}
