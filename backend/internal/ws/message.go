package ws

import (
	"encoding/json"
	"time"
)

// ClientMessage 客户端入站帧。envelope 类消息直接携带定序信封字段。
type ClientMessage struct {
	Type string `json:"type"`

	// joinRoom / leaveRoom / heartbeat
	RoomID string `json:"roomId,omitempty"`

	// envelope：一条待定序的信封
	Sequence        int64           `json:"sequence,omitempty"`
	EnvelopeType    string          `json:"envelopeType,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp,omitempty"`
}

// ServerMessage 通用出站帧
type ServerMessage struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId,omitempty"`
	Content string   `json:"content,omitempty"`
	Members []Member `json:"members,omitempty"`
}

type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// EnvelopeAckMessage 对单条信封的定序判定回执
type EnvelopeAckMessage struct {
	Type          string `json:"type"` // 固定 "envelope-ack"
	RoomID        string `json:"roomId"`
	Sequence      int64  `json:"sequence"`
	CorrelationID string `json:"correlationId,omitempty"`
	Accepted      bool   `json:"accepted"`
	Buffered      bool   `json:"buffered"`
	Duplicate     bool   `json:"duplicate"`
	MissingSince  int64  `json:"missingSince,omitempty"`
	AppliedCount  int    `json:"appliedCount,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m EnvelopeAckMessage) MessageType() string { return m.Type }

// broadcastFrame 引擎广播的任意事件（AppliedEvent / ExecutionEvent），
// 已经是可直接 JSON 序列化的结构
type broadcastFrame struct {
	payload interface{}
}

func (m broadcastFrame) MessageType() string { return "broadcast" }
