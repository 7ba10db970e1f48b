package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"codeRoomServer/backend/internal/cache"
	"codeRoomServer/backend/internal/exec"
	"codeRoomServer/backend/internal/journal"
	"codeRoomServer/backend/internal/ordering"
	"codeRoomServer/backend/internal/store"
)

var ErrBadEnvelope = errors.New("BAD_ENVELOPE")

// Broadcaster 把引擎产生的事件推回房间内的连接（ws.Hub 实现）
type Broadcaster interface {
	BroadcastRoom(roomID string, msg interface{})
}

// Service 房间引擎接口：信封流入口 + 执行入口 + 恢复操作
type Service interface {
	HandleEnvelope(ctx context.Context, env ordering.Envelope) (ordering.Result, error)
	Execute(ctx context.Context, req exec.Request) exec.Result
	ForceAdvance(ctx context.Context, roomID string, toSequence int64) ordering.Result
}

// ExecutionEvent 广播给房间的执行结果事件
type ExecutionEvent struct {
	Type          string      `json:"type"` // 固定 "execution-result"
	RoomID        string      `json:"roomId"`
	UserID        string      `json:"userId,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Sequence      int64       `json:"sequence,omitempty"`
	Result        exec.Result `json:"result"`
}

// AppliedEvent 广播给房间的“已按序应用”事件（含一次排出的整批）
type AppliedEvent struct {
	Type      string              `json:"type"` // 固定 "envelopes-applied"
	RoomID    string              `json:"roomId"`
	Envelopes []ordering.Envelope `json:"envelopes"`
}

// Engine 引擎具体实现：把接受的信封流折叠进日志、因果账本与持久房间记录，
// execute 信封再经协调器进入沙箱。依赖全部注入，没有包级单例。
type Engine struct {
	tracker    *ordering.Tracker
	ledger     *ordering.Ledger
	journal    *journal.Journal
	rooms      *store.RoomStore
	coord      *exec.Coordinator
	dispatcher *ordering.KafkaDispatcher
	presence   cache.PresenceCache

	broadcaster Broadcaster
	presenceTTL time.Duration
}

func NewEngine(
	tracker *ordering.Tracker,
	ledger *ordering.Ledger,
	jr *journal.Journal,
	rooms *store.RoomStore,
	coord *exec.Coordinator,
	dispatcher *ordering.KafkaDispatcher,
	presence cache.PresenceCache,
) *Engine {
	e := &Engine{
		tracker:     tracker,
		ledger:      ledger,
		journal:     jr,
		rooms:       rooms,
		coord:       coord,
		dispatcher:  dispatcher,
		presence:    presence,
		presenceTTL: cache.PresenceTTL,
	}
	if coord != nil {
		// 排队后异步执行的结果走同一条收尾路径
		coord.SetResultHandler(e.finishExecution)
	}
	return e
}

// SetBroadcaster 注入 ws 层的广播器（启动时调用一次）
func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

// HandleEnvelope 信封主链路：定序判定 → 落日志 → 按序应用 → Kafka 扇出。
// 乱序/重复不是错误，结果里用判别字段表达。
func (e *Engine) HandleEnvelope(ctx context.Context, env ordering.Envelope) (ordering.Result, error) {
	if env.RoomID == "" || env.Sequence < 1 {
		return ordering.Result{}, ErrBadEnvelope
	}
	if env.ServerTimestamp.IsZero() {
		env.ServerTimestamp = time.Now()
	}

	res := e.tracker.ProcessMessage(env.RoomID, env)
	switch {
	case res.IsDuplicate:
		// 房间视角静默丢弃；定序器已打 warn 日志
		return res, nil

	case res.Buffered:
		env.Status = ordering.StatusBuffered
		if err := e.journal.RecordMessage(ctx, env); err != nil {
			log.Printf("warn: journal record (buffered) failed room=%s seq=%d: %v", env.RoomID, env.Sequence, err)
		}
		return res, nil
	}

	for _, accepted := range res.Ordered {
		e.applyAccepted(ctx, accepted)
	}
	if e.broadcaster != nil && len(res.Ordered) > 0 {
		e.broadcaster.BroadcastRoom(env.RoomID, AppliedEvent{
			Type:      "envelopes-applied",
			RoomID:    env.RoomID,
			Envelopes: res.Ordered,
		})
	}
	return res, nil
}

// applyAccepted 单条已按序接受的信封：记录、应用、置终态、扇出
func (e *Engine) applyAccepted(ctx context.Context, env ordering.Envelope) {
	env.Status = ordering.StatusBuffered
	if err := e.journal.RecordMessage(ctx, env); err != nil {
		// 先前缓冲时可能已落库（幂等），真失败只记日志，不阻塞流
		log.Printf("warn: journal record failed room=%s seq=%d: %v", env.RoomID, env.Sequence, err)
	}

	applyErr := e.apply(ctx, env)
	errNote := ""
	if applyErr != nil {
		errNote = applyErr.Error()
		log.Printf("warn: apply envelope failed room=%s seq=%d type=%s: %v", env.RoomID, env.Sequence, env.Type, applyErr)
	}
	if err := e.journal.MarkProcessed(ctx, env.RoomID, env.Sequence, errNote); err != nil {
		log.Printf("warn: journal mark processed failed room=%s seq=%d: %v", env.RoomID, env.Sequence, err)
	}

	if e.dispatcher != nil {
		enqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		if err := e.dispatcher.Enqueue(enqCtx, ordering.NewRoomEvent(env)); err != nil {
			log.Printf("debug: kafka fan-out dropped room=%s seq=%d: %v", env.RoomID, env.Sequence, err)
		}
		cancel()
	}
}

func (e *Engine) apply(ctx context.Context, env ordering.Envelope) error {
	switch env.Type {
	case ordering.TypeCodeChange:
		var p ordering.CodeChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.New("malformed code-change payload")
		}
		cs := e.ledger.RecordCodeChange(env.RoomID, p.Code, env.Sequence)
		if e.rooms != nil {
			if _, err := e.rooms.LoadOrCreate(ctx, env.RoomID); err != nil {
				return err
			}
			return e.rooms.SaveSnapshot(ctx, env.RoomID, p.Code, p.Language, cs.CodeVersion, cs.LastCodeStateHash, cs.LastCodeChangeSequence)
		}
		return nil

	case ordering.TypeCodeExecute:
		return e.applyExecute(ctx, env)

	case ordering.TypeUserJoined:
		if e.presence != nil {
			return e.presence.AddMember(ctx, env.RoomID, env.UserID, env.Username, e.presenceTTL)
		}
		return nil

	case ordering.TypeUserLeft:
		if e.presence != nil {
			return e.presence.RemoveMember(ctx, env.RoomID, env.UserID)
		}
		return nil

	case ordering.TypeChat, ordering.TypeDebug, ordering.TypeOther:
		return nil

	default:
		return errors.New("unknown envelope type: " + env.Type)
	}
}

// applyExecute execute 信封：因果校验（咨询性）后异步进入协调器。
// 沙箱等待不在信封处理路径上，其他房间的事件处理不会被挡住。
func (e *Engine) applyExecute(ctx context.Context, env ordering.Envelope) error {
	var p ordering.ExecutePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errors.New("malformed code-execute payload")
	}

	vr := e.ledger.ValidateMessageSequence(env.RoomID, env.Type, env.Sequence, p.Dependencies)
	if len(vr.Issues) > 0 {
		// 决策（DESIGN.md）：咨询性，不阻断执行
		log.Printf("warn: causality issues room=%s seq=%d: %s", env.RoomID, env.Sequence, strings.Join(vr.Issues, "; "))
	}

	req := exec.Request{
		RoomID:        env.RoomID,
		UserID:        env.UserID,
		Code:          p.Code,
		Language:      p.Language,
		Stdin:         p.Stdin,
		CorrelationID: env.CorrelationID,
		Priority:      p.Priority,
		TimeoutMs:     p.TimeoutMs,
		QueuedAt:      time.Now(),
		Sequence:      env.Sequence,
	}
	go func() {
		res, queued := e.coord.Submit(context.Background(), req)
		if queued {
			return // 结果稍后经 finishExecution 回调送出
		}
		e.finishExecution(req, res)
	}()
	return nil
}

// finishExecution 执行收尾：因果账本落账（只在真的跑过沙箱时）、持久化、广播
func (e *Engine) finishExecution(req exec.Request, res exec.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if res.ExecutionID != "" {
		// lastExecutionHash 必须等于实际送入沙箱的代码哈希
		cs := e.ledger.RecordExecution(req.RoomID, res.ExecutionID, req.Sequence, ordering.HashCode(req.Code))
		if e.rooms != nil {
			if err := e.rooms.SaveExecution(ctx, req.RoomID, cs.LastExecutionHash, cs.LastExecutionSequence, cs.ExecutionCount); err != nil {
				log.Printf("warn: persist execution state failed room=%s: %v", req.RoomID, err)
			}
		}
	}
	if e.broadcaster != nil {
		e.broadcaster.BroadcastRoom(req.RoomID, ExecutionEvent{
			Type:          "execution-result",
			RoomID:        req.RoomID,
			UserID:        req.UserID,
			CorrelationID: req.CorrelationID,
			Sequence:      req.Sequence,
			Result:        res,
		})
	}
}

// Execute REST 直达入口：同步等待执行结束（受锁超时与沙箱硬超时约束）
func (e *Engine) Execute(ctx context.Context, req exec.Request) exec.Result {
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}
	res := e.coord.ExecuteCode(ctx, req)
	e.finishExecution(req, res)
	return res
}

// ForceAdvance 诊断面的恢复操作：唯一允许引入缺口的途径
func (e *Engine) ForceAdvance(ctx context.Context, roomID string, toSequence int64) ordering.Result {
	before, _ := e.tracker.Room(roomID)
	if before.Expected < 1 {
		before.Expected = 1
	}
	res := e.tracker.ForceAdvance(roomID, toSequence)

	// 被跳过的序号里已落库的标记成 skipped 终态
	for seq := before.Expected; seq < toSequence; seq++ {
		if err := e.journal.MarkSkipped(ctx, roomID, seq); err != nil {
			log.Printf("warn: mark skipped failed room=%s seq=%d: %v", roomID, seq, err)
		}
	}
	for _, accepted := range res.Ordered {
		e.applyAccepted(ctx, accepted)
	}
	if e.broadcaster != nil && len(res.Ordered) > 0 {
		e.broadcaster.BroadcastRoom(roomID, AppliedEvent{
			Type:      "envelopes-applied",
			RoomID:    roomID,
			Envelopes: res.Ordered,
		})
	}
	return res
}
