package ordering

import (
	"log"
	"sort"
	"sync"
	"time"
)

// TrackerOptions 序列跟踪器可调参数
type TrackerOptions struct {
	// 单房间乱序缓冲上限，超出后淘汰最早缓冲的一条
	BufferLimit int
	// 缺口超过该时长后在诊断面上标记为 critical
	GapTimeout time.Duration
	// 房间无活动超过该时长后由周期清扫回收内存投影
	IdleTimeout time.Duration
	// 周期清扫间隔
	SweepInterval time.Duration
}

func (o *TrackerOptions) withDefaults() {
	if o.BufferLimit <= 0 {
		o.BufferLimit = 256
	}
	if o.GapTimeout <= 0 {
		o.GapTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		// 约为缺口缓冲超时的两倍
		o.IdleTimeout = 2 * o.GapTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.IdleTimeout
	}
}

type bufferedEnvelope struct {
	env        Envelope
	bufferedAt time.Time
}

// 单个房间的定序状态。只会被“一次处理一条事件”的调用方串行推进，
// 锁用于保护与诊断读取之间的并发。
type roomTrack struct {
	mu            sync.Mutex
	expected      int64
	lastProcessed int64
	buffer        map[int64]bufferedEnvelope
	// 首次观察到当前缺口的时间；缺口被补齐或强推后清零
	gapSince     time.Time
	lastActivity time.Time
}

// Tracker 按房间维护严格递增的投递顺序（RoomSequenceTracker）。
// 显式注册表对象而非包级单例，便于注入与单测。
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]*roomTrack
	opt   TrackerOptions

	done     chan struct{}
	stopOnce sync.Once
}

// RoomState 诊断面用的只读快照
type RoomState struct {
	RoomID        string    `json:"roomId"`
	Expected      int64     `json:"nextExpectedSequence"`
	LastProcessed int64     `json:"lastProcessedSequence"`
	Buffered      []int64   `json:"bufferedSequences"`
	GapSince      time.Time `json:"gapSince,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Stats 全局聚合统计
type Stats struct {
	ActiveRooms   int `json:"activeRooms"`
	BufferedTotal int `json:"pendingMessages"`
	BufferLimit   int `json:"bufferCapacity"`
}

func NewTracker(opt TrackerOptions) *Tracker {
	opt.withDefaults()
	t := &Tracker{
		rooms: make(map[string]*roomTrack),
		opt:   opt,
		done:  make(chan struct{}),
	}
	// 单一周期清扫替代每房间定时器，关停路径也只有一条
	go t.sweepLoop()
	return t
}

// Close 停止后台清扫
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.done) })
}

// InitRoom 显式初始化房间的起始序号（幂等：已存在则不动）
func (t *Tracker) InitRoom(roomID string, startSequence int64) {
	if startSequence < 1 {
		startSequence = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rooms[roomID]; ok {
		return
	}
	t.rooms[roomID] = &roomTrack{
		expected:     startSequence,
		buffer:       make(map[int64]bufferedEnvelope),
		lastActivity: time.Now(),
	}
}

func (t *Tracker) getOrCreate(roomID string) *roomTrack {
	t.mu.RLock()
	rt := t.rooms[roomID]
	t.mu.RUnlock()
	if rt != nil {
		return rt
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt = t.rooms[roomID]; rt == nil {
		rt = &roomTrack{
			expected:     1,
			buffer:       make(map[int64]bufferedEnvelope),
			lastActivity: time.Now(),
		}
		t.rooms[roomID] = rt
	}
	return rt
}

// ProcessMessage 对单条信封做定序判定：
//   - sequence == expected：接受，并把缓冲中连续的后继一并排出
//   - sequence >  expected：进入乱序缓冲，报告 missingSince = expected
//   - sequence <  expected：判定为重复/迟到，丢弃（仅诊断信号，不是错误）
func (t *Tracker) ProcessMessage(roomID string, env Envelope) Result {
	rt := t.getOrCreate(roomID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lastActivity = time.Now()

	seq := env.Sequence
	switch {
	case seq < rt.expected:
		log.Printf("warn: duplicate or late message room=%s seq=%d expected=%d", roomID, seq, rt.expected)
		return Result{IsDuplicate: true}

	case seq > rt.expected:
		if _, ok := rt.buffer[seq]; !ok && len(rt.buffer) >= t.opt.BufferLimit {
			t.evictOldestLocked(roomID, rt)
		}
		rt.buffer[seq] = bufferedEnvelope{env: env, bufferedAt: time.Now()}
		if rt.gapSince.IsZero() {
			rt.gapSince = time.Now()
		}
		log.Printf("debug: out-of-order message buffered room=%s seq=%d expected=%d buffered=%d",
			roomID, seq, rt.expected, len(rt.buffer))
		return Result{Buffered: true, MissingSince: rt.expected}
	}

	// seq == expected：接受并排空连续后继
	ordered := []Envelope{env}
	rt.lastProcessed = seq
	rt.expected = seq + 1
	ordered = append(ordered, rt.drainContiguousLocked()...)

	if len(rt.buffer) == 0 {
		rt.gapSince = time.Time{}
	} else {
		// 还有更远端的缓冲，缺口窗口重新开始计
		rt.gapSince = time.Now()
	}
	return Result{IsValid: true, Ordered: ordered}
}

// 前提：持有 rt.mu
func (rt *roomTrack) drainContiguousLocked() []Envelope {
	var drained []Envelope
	for {
		be, ok := rt.buffer[rt.expected]
		if !ok {
			return drained
		}
		delete(rt.buffer, rt.expected)
		drained = append(drained, be.env)
		rt.lastProcessed = rt.expected
		rt.expected++
	}
}

// 前提：持有 rt.mu。按缓冲时间淘汰最早的一条（有界缓冲，可能丢消息，记录日志）
func (t *Tracker) evictOldestLocked(roomID string, rt *roomTrack) {
	var oldestSeq int64 = -1
	var oldestAt time.Time
	for seq, be := range rt.buffer {
		if oldestSeq < 0 || be.bufferedAt.Before(oldestAt) {
			oldestSeq = seq
			oldestAt = be.bufferedAt
		}
	}
	if oldestSeq >= 0 {
		delete(rt.buffer, oldestSeq)
		log.Printf("warn: sequence buffer overflow, evicting oldest room=%s seq=%d limit=%d",
			roomID, oldestSeq, t.opt.BufferLimit)
	}
}

// ForceAdvance 恢复操作：把 expected 强推到 toSequence，丢弃其下方的缓冲，
// 然后排空此时已连续的缓冲。这是唯一允许在已接受序列中引入缺口的途径，
// 只能由诊断面显式触发，绝不自动执行。对同一目标序号幂等。
func (t *Tracker) ForceAdvance(roomID string, toSequence int64) Result {
	rt := t.getOrCreate(roomID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lastActivity = time.Now()

	if toSequence <= rt.expected {
		// 不回退，也不重复推进
		return Result{IsValid: true}
	}

	dropped := 0
	for seq := range rt.buffer {
		if seq < toSequence {
			delete(rt.buffer, seq)
			dropped++
		}
	}
	log.Printf("warn: force advance room=%s from=%d to=%d dropped=%d", roomID, rt.expected, toSequence, dropped)

	rt.expected = toSequence
	ordered := rt.drainContiguousLocked()
	if len(rt.buffer) == 0 {
		rt.gapSince = time.Time{}
	}
	return Result{IsValid: true, Ordered: ordered}
}

// Room 返回房间定序状态快照；房间不存在时 ok=false
func (t *Tracker) Room(roomID string) (RoomState, bool) {
	t.mu.RLock()
	rt := t.rooms[roomID]
	t.mu.RUnlock()
	if rt == nil {
		return RoomState{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	buffered := make([]int64, 0, len(rt.buffer))
	for seq := range rt.buffer {
		buffered = append(buffered, seq)
	}
	sort.Slice(buffered, func(i, j int) bool { return buffered[i] < buffered[j] })
	return RoomState{
		RoomID:        roomID,
		Expected:      rt.expected,
		LastProcessed: rt.lastProcessed,
		Buffered:      buffered,
		GapSince:      rt.gapSince,
		LastActivity:  rt.lastActivity,
	}, true
}

// HasCriticalGap 缺口持续超过 GapTimeout 即视为 critical（只能靠强推恢复）
func (t *Tracker) HasCriticalGap(roomID string) bool {
	st, ok := t.Room(roomID)
	if !ok || st.GapSince.IsZero() {
		return false
	}
	return time.Since(st.GapSince) > t.opt.GapTimeout
}

// RoomIDs 当前内存投影里的全部房间，升序
func (t *Tracker) RoomIDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.rooms))
	for roomID := range t.rooms {
		ids = append(ids, roomID)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (t *Tracker) GlobalStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{ActiveRooms: len(t.rooms), BufferLimit: t.opt.BufferLimit}
	for _, rt := range t.rooms {
		rt.mu.Lock()
		s.BufferedTotal += len(rt.buffer)
		rt.mu.Unlock()
	}
	return s
}

// Reset 丢弃全部内存房间状态（仅限运维面调用；持久记录不受影响）
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.rooms)
	t.rooms = make(map[string]*roomTrack)
	return n
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweepIdle()
		}
	}
}

func (t *Tracker) sweepIdle() {
	cutoff := time.Now().Add(-t.opt.IdleTimeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID, rt := range t.rooms {
		rt.mu.Lock()
		idle := rt.lastActivity.Before(cutoff)
		rt.mu.Unlock()
		if idle {
			delete(t.rooms, roomID)
			log.Printf("room tracker sweep: reclaimed idle room=%s", roomID)
		}
	}
}
