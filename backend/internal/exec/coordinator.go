package exec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"codeRoomServer/backend/internal/lock"
	"codeRoomServer/backend/internal/sandbox"
)

// 请求级硬上限：校验在任何锁操作之前完成
const (
	MaxCodeLen   = 10000
	MaxStdinLen  = 1000
	MaxOutputLen = 5000
)

// 结构化失败分类（作为结果返回，不是 error）
const (
	KindValidation          = "VALIDATION_FAILED"
	KindUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	KindLockTimeout         = "LOCK_TIMEOUT"
	KindSandboxTimeout      = "SANDBOX_TIMEOUT"
	KindSandboxRateLimited  = "SANDBOX_RATE_LIMITED"
	KindSandboxUnavailable  = "SANDBOX_UNAVAILABLE"
	KindRuntimeError        = "RUNTIME_ERROR"
)

var ErrQueueFull = errors.New("EXECUTION_QUEUE_FULL")

// Runner 消费方定义的沙箱接口（具体实现是 sandbox.Client，测试注入假实现）
type Runner interface {
	Execute(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error)
}

// Request 一次代码执行请求
type Request struct {
	RoomID        string `json:"roomId"`
	UserID        string `json:"userId"`
	Code          string `json:"code"`
	Language      string `json:"language"`
	Stdin         string `json:"stdin,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`

	QueuedAt time.Time `json:"-"`
	// 信封流入口会带上序号；REST 入口为 0
	Sequence int64 `json:"-"`
}

// Result 结构化执行结果。沙箱侧的失败（超时/限流/不可用/运行时错误）
// 一律折叠进来，不向上抛异常。
type Result struct {
	Success       bool   `json:"success"`
	ExecutionID   string `json:"executionId"`
	Output        string `json:"output"`
	ExecutionTime int64  `json:"executionTime"` // 毫秒
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"errorKind,omitempty"`
	// 实际送入沙箱的代码哈希由调用方（引擎）依据 Request.Code 计算
}

// runtimeSpec 语言到沙箱运行时的映射（版本钉死，避免沙箱端默认漂移）
type runtimeSpec struct {
	language string
	version  string
}

var runtimes = map[string]runtimeSpec{
	"javascript": {"javascript", "18.15.0"},
	"typescript": {"typescript", "5.0.3"},
	"python":     {"python", "3.10.0"},
	"go":         {"go", "1.16.2"},
	"java":       {"java", "15.0.2"},
	"c":          {"c", "10.2.0"},
	"cpp":        {"c++", "10.2.0"},
	"rust":       {"rust", "1.68.2"},
}

// Options 协调器可调参数
type Options struct {
	// 房间锁 TTL（必须明显大于沙箱硬超时）
	LockTTL time.Duration
	// AcquireLock 未显式给 timeout 时的默认值
	DefaultAcquireTimeout time.Duration
	// 沙箱调用硬超时（到期本地放弃并释放锁）
	DefaultExecTimeout time.Duration
	// 单房间二级队列上限
	QueueLimit int
	// 排队超过该时长的条目在排空时直接丢弃
	QueueStaleness time.Duration
}

func (o *Options) withDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.DefaultAcquireTimeout <= 0 {
		o.DefaultAcquireTimeout = 5 * time.Second
	}
	if o.DefaultExecTimeout <= 0 {
		o.DefaultExecTimeout = 10 * time.Second
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 32
	}
	if o.QueueStaleness <= 0 {
		o.QueueStaleness = 60 * time.Second
	}
}

// Coordinator 房间级执行互斥协调器（ExecutionCoordinator）。
// 房间锁是“每房间同时至多一次执行”这一不变量的唯一串行化点。
type Coordinator struct {
	locks  lock.Store
	runner Runner
	opt    Options
	queues *queueSet

	// 排队后被异步执行的请求，其结果经这里回送（引擎在启动时注册）
	onResult func(Request, Result)
}

func NewCoordinator(locks lock.Store, runner Runner, opt Options) *Coordinator {
	opt.withDefaults()
	return &Coordinator{
		locks:  locks,
		runner: runner,
		opt:    opt,
		queues: newQueueSet(opt.QueueLimit, opt.QueueStaleness),
	}
}

// SetResultHandler 注册排空执行的结果回调（必须在开始收请求之前设置）
func (c *Coordinator) SetResultHandler(fn func(Request, Result)) { c.onResult = fn }

// AcquireLock 轮询式拿锁：有界退避，timeout 内拿不到就放弃，绝不无限阻塞。
func (c *Coordinator) AcquireLock(ctx context.Context, roomID string, timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		timeout = c.opt.DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	backoff := 25 * time.Millisecond

	for {
		token, ok, err := c.locks.Acquire(ctx, roomID, c.opt.LockTTL)
		if err != nil {
			// 存储不可用对调用方是可重试错误，不在这里切换策略
			log.Printf("warn: lock acquire error room=%s err=%v", roomID, err)
			return "", false
		}
		if ok {
			return token, true
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return "", false
		}
		wait := backoff
		if wait > remain {
			wait = remain
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(wait):
		}
		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}
}

// ReleaseLock compare-and-delete，token 不匹配返回 false
func (c *Coordinator) ReleaseLock(ctx context.Context, roomID, token string) bool {
	released, err := c.locks.Release(ctx, roomID, token)
	if err != nil {
		log.Printf("warn: lock release error room=%s err=%v", roomID, err)
		return false
	}
	return released
}

// Validate 大小/语言校验。必须在任何锁操作之前调用（失败时锁从未被碰过）。
func Validate(req Request) (runtimeSpec, string) {
	if req.RoomID == "" {
		return runtimeSpec{}, "roomId is required"
	}
	if strings.TrimSpace(req.Code) == "" {
		return runtimeSpec{}, "code is empty"
	}
	if len(req.Code) > MaxCodeLen {
		return runtimeSpec{}, fmt.Sprintf("code exceeds %d characters", MaxCodeLen)
	}
	if len(req.Stdin) > MaxStdinLen {
		return runtimeSpec{}, fmt.Sprintf("stdin exceeds %d characters", MaxStdinLen)
	}
	rt, ok := runtimes[strings.ToLower(req.Language)]
	if !ok {
		return runtimeSpec{}, "unsupported language: " + req.Language
	}
	return rt, ""
}

// ExecuteCode 完整执行链路：校验 → 拿锁 → 沙箱调用 → 结果归类 → 保证释放。
// 执行结束后顺带排空该房间积压的队列（机会性，不做持续轮询）。
func (c *Coordinator) ExecuteCode(ctx context.Context, req Request) Result {
	rt, veto := Validate(req)
	if veto != "" {
		kind := KindValidation
		if strings.HasPrefix(veto, "unsupported language") {
			kind = KindUnsupportedLanguage
		}
		return Result{Success: false, Error: veto, ErrorKind: kind}
	}

	// TimeoutMs 只约束沙箱执行预算（见 runLocked），拿锁等待用协调器自己的默认值
	token, ok := c.AcquireLock(ctx, req.RoomID, c.opt.DefaultAcquireTimeout)
	if !ok {
		// 可重试：锁从未被授予
		return Result{Success: false, Error: "room is busy, try again later", ErrorKind: KindLockTimeout}
	}
	res := c.runLocked(ctx, req, rt, token)

	c.DrainRoom(context.Background(), req.RoomID)
	return res
}

// Submit 信封流入口：房间空闲立即执行；忙则进二级队列，结果稍后经回调送出。
// 返回值 queued=true 表示已排队，Result 无效。
func (c *Coordinator) Submit(ctx context.Context, req Request) (Result, bool) {
	rt, veto := Validate(req)
	if veto != "" {
		kind := KindValidation
		if strings.HasPrefix(veto, "unsupported language") {
			kind = KindUnsupportedLanguage
		}
		return Result{Success: false, Error: veto, ErrorKind: kind}, false
	}

	// 只试一次，不退避：拿不到说明房间正忙，走队列
	token, ok, err := c.locks.Acquire(ctx, req.RoomID, c.opt.LockTTL)
	if err != nil || !ok {
		if err != nil {
			log.Printf("warn: lock acquire error room=%s err=%v", req.RoomID, err)
		}
		if qErr := c.queues.push(req); qErr != nil {
			return Result{Success: false, Error: "execution queue is full", ErrorKind: KindLockTimeout}, false
		}
		return Result{}, true
	}

	res := c.runLocked(ctx, req, rt, token)
	c.DrainRoom(context.Background(), req.RoomID)
	return res, false
}

// DrainRoom 排空房间队列（processQueue）：逐条按优先级执行，过期条目丢弃。
// 结果经 onResult 回送。排空期间房间再次变忙则把剩余条目留在队列里。
func (c *Coordinator) DrainRoom(ctx context.Context, roomID string) {
	for {
		req, ok := c.queues.pop(roomID)
		if !ok {
			return
		}
		rt, veto := Validate(req)
		if veto != "" {
			c.deliver(req, Result{Success: false, Error: veto, ErrorKind: KindValidation})
			continue
		}
		token, held, err := c.locks.Acquire(ctx, roomID, c.opt.LockTTL)
		if err != nil || !held {
			// 房间又忙起来了，放回队列，等下一次机会性排空
			if pushErr := c.queues.pushFront(req); pushErr != nil {
				c.deliver(req, Result{Success: false, Error: "execution queue is full", ErrorKind: KindLockTimeout})
			}
			return
		}
		c.deliver(req, c.runLocked(ctx, req, rt, token))
	}
}

func (c *Coordinator) deliver(req Request, res Result) {
	if c.onResult != nil {
		c.onResult(req, res)
	}
}

// QueueStats getQueueStats：二级队列占用情况
func (c *Coordinator) QueueStats() QueueStats {
	return c.queues.stats()
}

// runLocked 前提：已持有 token。无论结果如何都在返回前释放锁。
func (c *Coordinator) runLocked(ctx context.Context, req Request, rt runtimeSpec, token string) Result {
	defer func() {
		// 释放用独立 ctx：调用方超时不能导致锁漏释放
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if !c.ReleaseLock(releaseCtx, req.RoomID, token) {
			log.Printf("warn: lock release rejected room=%s (expired or stolen token)", req.RoomID)
		}
	}()

	execTimeout := c.opt.DefaultExecTimeout
	if req.TimeoutMs > 0 {
		if d := time.Duration(req.TimeoutMs) * time.Millisecond; d < execTimeout {
			execTimeout = d
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	executionID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	start := time.Now()
	out, err := c.runner.Execute(runCtx, sandbox.RunRequest{
		Language: rt.language,
		Version:  rt.version,
		Stdin:    req.Stdin,
		Files:    []sandbox.File{{Content: req.Code}},
	})
	elapsed := time.Since(start).Milliseconds()

	res := Result{ExecutionID: executionID, ExecutionTime: elapsed}
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.ErrorKind = KindSandboxTimeout
			res.Error = "execution timed out"
		case errors.Is(err, sandbox.ErrRateLimited):
			res.ErrorKind = KindSandboxRateLimited
			res.Error = "execution rate limited, try again later"
		case errors.Is(err, sandbox.ErrUnavailable):
			res.ErrorKind = KindSandboxUnavailable
			res.Error = "execution sandbox unavailable"
		default:
			res.ErrorKind = KindRuntimeError
			res.Error = err.Error()
		}
		return res
	}

	res.Output = truncateOutput(out.Stdout, out.Stderr)
	if out.ExitCode != 0 {
		res.ErrorKind = KindRuntimeError
		res.Error = fmt.Sprintf("process exited with code %d", out.ExitCode)
		return res
	}
	res.Success = true
	return res
}

func truncateOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	if len(out) > MaxOutputLen {
		out = out[:MaxOutputLen] + "\n...[output truncated]"
	}
	return out
}
