package ordering

import (
	"encoding/json"
	"time"
)

// RoomEvent 接受一条信封后向 room-events 主题扇出的事件。
// 以 roomId 做 key，保证同一房间落在同一分区、保持顺序。
type RoomEvent struct {
	EventType     string          `json:"eventType"` // 固定 "ENVELOPE_PROCESSED"
	RoomID        string          `json:"roomId"`
	Sequence      int64           `json:"sequence"`
	Type          string          `json:"type"`
	UserID        string          `json:"userId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ProcessedAt   time.Time       `json:"processedAt"`
}

const EventEnvelopeProcessed = "ENVELOPE_PROCESSED"

func NewRoomEvent(env Envelope) RoomEvent {
	return RoomEvent{
		EventType:     EventEnvelopeProcessed,
		RoomID:        env.RoomID,
		Sequence:      env.Sequence,
		Type:          env.Type,
		UserID:        env.UserID,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
		ProcessedAt:   time.Now(),
	}
}
