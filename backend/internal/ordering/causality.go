package ordering

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// CausalState 房间的因果链快照
type CausalState struct {
	CodeVersion            uint64 `json:"codeVersion"`
	LastCodeStateHash      string `json:"lastCodeStateHash"`
	LastExecutionHash      string `json:"lastExecutionHash"`
	LastCodeChangeSequence int64  `json:"lastCodeChangeSequence"`
	LastExecutionSequence  int64  `json:"lastExecutionSequence"`
	LastExecutionID        string `json:"lastExecutionId,omitempty"`
	ExecutionCount         uint64 `json:"executionCount"`
}

// ValidationResult 因果校验结果。issues 非空时仍然 Valid=true：
// 校验是咨询性的，不在此处阻断执行（决策见 DESIGN.md——被接受的信封
// 本身已按序投递，失序引用只会出现在强推之后，由运维自行承担）。
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// Ledger 房间级因果账本（CausalityLedger）：
// 记录代码版本与其被执行的对应关系，识别“执行跑在代码前面”的情况。
type Ledger struct {
	mu    sync.RWMutex
	rooms map[string]*CausalState
}

func NewLedger() *Ledger {
	return &Ledger{rooms: make(map[string]*CausalState)}
}

// HashCode 内容哈希（FNV-1a）。仅用于漂移/相等检测，
// 不是安全或完整性原语，不要依赖它做校验以外的事。
func HashCode(code string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(code))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (l *Ledger) getOrCreate(roomID string) *CausalState {
	l.mu.RLock()
	cs := l.rooms[roomID]
	l.mu.RUnlock()
	if cs != nil {
		return cs
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs = l.rooms[roomID]; cs == nil {
		cs = &CausalState{}
		l.rooms[roomID] = cs
	}
	return cs
}

// RecordCodeChange 记录一次已按序接受的代码变更
func (l *Ledger) RecordCodeChange(roomID, code string, sequence int64) CausalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.rooms[roomID]
	if cs == nil {
		cs = &CausalState{}
		l.rooms[roomID] = cs
	}
	cs.CodeVersion++
	cs.LastCodeStateHash = HashCode(code)
	cs.LastCodeChangeSequence = sequence
	return *cs
}

// RecordExecution 记录一次实际发生的执行；codeHash 必须是真正送入沙箱的代码哈希
func (l *Ledger) RecordExecution(roomID, executionID string, sequence int64, codeHash string) CausalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.rooms[roomID]
	if cs == nil {
		cs = &CausalState{}
		l.rooms[roomID] = cs
	}
	cs.LastExecutionHash = codeHash
	cs.LastExecutionSequence = sequence
	cs.LastExecutionID = executionID
	cs.ExecutionCount++
	return *cs
}

// ValidateMessageSequence 对 execute 类信封做因果校验：
// 它所依赖的 code-change 序号尚未在本地落账时，给出咨询性 issue。
func (l *Ledger) ValidateMessageSequence(roomID, msgType string, sequence int64, deps Dependencies) ValidationResult {
	res := ValidationResult{Valid: true}
	if msgType != TypeCodeExecute {
		return res
	}
	cs := l.getOrCreate(roomID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	if deps.CodeChangeSequence > 0 && deps.CodeChangeSequence > cs.LastCodeChangeSequence {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"execution at seq %d depends on code-change seq %d, but last applied code-change is seq %d",
			sequence, deps.CodeChangeSequence, cs.LastCodeChangeSequence))
	}
	if sequence > 0 && cs.LastExecutionSequence >= sequence {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"execution sequence %d is not ahead of last execution seq %d",
			sequence, cs.LastExecutionSequence))
	}
	return res
}

// Room 返回因果链快照；房间未知时返回零值
func (l *Ledger) Room(roomID string) CausalState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cs := l.rooms[roomID]; cs != nil {
		return *cs
	}
	return CausalState{}
}

// Reset 丢弃全部内存因果状态（与 Tracker.Reset 配套，仅运维面使用）
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms = make(map[string]*CausalState)
}
