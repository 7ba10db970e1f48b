package ordering

import (
	"encoding/json"
	"time"
)

// 消息类型：一个房间内所有事件都走同一条有序流
const (
	TypeCodeChange  = "code-change"
	TypeCodeExecute = "code-execute"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeChat        = "chat"
	TypeDebug       = "debug"
	TypeOther       = "other"
)

// 信封状态机：buffered 为初始态，processed/skipped/error 为终态（终态不可再迁移）
const (
	StatusBuffered  = "buffered"
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Envelope 入站消息信封
// (roomId, sequence) 全局唯一；sequence 由单一定序方分配，房间内严格递增
type Envelope struct {
	RoomID          string          `json:"roomId"`
	Sequence        int64           `json:"sequence"`
	Type            string          `json:"type"`
	UserID          string          `json:"userId"`
	Username        string          `json:"username,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
	Status          string          `json:"status,omitempty"`
}

// CodeChangePayload code-change 信封的载荷
type CodeChangePayload struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// ExecutePayload code-execute 信封的载荷
// dependencies.codeChangeSequence 指向该次执行所依赖的 code-change 序号
type ExecutePayload struct {
	Code         string       `json:"code"`
	Language     string       `json:"language"`
	Stdin        string       `json:"stdin,omitempty"`
	Priority     int          `json:"priority,omitempty"`
	TimeoutMs    int64        `json:"timeoutMs,omitempty"`
	Dependencies Dependencies `json:"dependencies,omitempty"`
}

// Dependencies 执行请求声明的因果依赖
type Dependencies struct {
	CodeChangeSequence int64 `json:"codeChangeSequence,omitempty"`
}

// Result ProcessMessage 的判定结果
// 乱序/重复是预期事件，用判别字段表达，不作为 error 返回
type Result struct {
	IsValid      bool       `json:"isValid"`
	Ordered      []Envelope `json:"orderedMessages,omitempty"`
	MissingSince int64      `json:"missingSince,omitempty"`
	Buffered     bool       `json:"buffered"`
	IsDuplicate  bool       `json:"isDuplicate"`
}
