package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeRoomServer/backend/internal/cache"
	"codeRoomServer/backend/internal/ordering"
	"codeRoomServer/backend/internal/room"
)

// Conn 单个客户端连接：readLoop 串行消费入站帧，writeLoop 消费 send 队列。
// send 通道从不 close：广播方（Hub 快照之后才入队）可能在连接下线之后
// 仍然调用 enqueue，关闭通道会把这场竞争变成 panic。下线只通过 done 通知。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	roomID   string
	userID   string
	username string
	send     chan OutboundMessage
	done     chan struct{}
	stopOnce sync.Once
	svc      room.Service
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, svc room.Service) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, 32),
		done:     make(chan struct{}),
		svc:      svc,
	}
}

// shutdown 标记连接下线并让 writeLoop 退出；可重复调用
func (c *Conn) shutdown() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue 入队出站消息；连接已下线或队列满时直接丢弃
// （慢连接、迟到广播都不能拖垮房间其他成员）
func (c *Conn) enqueue(msg OutboundMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.roomID != "" {
			c.hub.Leave(c.roomID, c)
		}
		c.shutdown()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%s, room=%s): %v", c.userID, c.roomID, err)
			return
		}

		switch msg.Type {
		case "joinRoom":
			if msg.RoomID == "" {
				c.enqueue(ServerMessage{Type: "error", Content: "missing roomId"})
				continue
			}
			if c.roomID != "" && c.roomID != msg.RoomID {
				// 先离开旧房间
				c.hub.Leave(c.roomID, c)
			}
			c.roomID = msg.RoomID
			c.hub.Join(c.roomID, c)
			if c.hub.presence != nil {
				if err := c.hub.presence.AddMember(ctx, c.roomID, c.userID, c.username, cache.PresenceTTL); err != nil {
					log.Printf("add member error: %v", err)
				}
			}
			c.enqueue(ServerMessage{Type: "joinRoom", RoomID: c.roomID, Content: "joined"})

		case "leaveRoom":
			if c.roomID == "" {
				continue
			}
			c.hub.Leave(c.roomID, c)
			if c.hub.presence != nil {
				if err := c.hub.presence.RemoveMember(ctx, c.roomID, c.userID); err != nil {
					log.Printf("remove member error: %v", err)
				}
			}
			c.enqueue(ServerMessage{Type: "leaveRoom", RoomID: c.roomID, Content: "left"})
			c.roomID = ""

		case "heartbeat":
			if c.roomID != "" && c.hub.presence != nil {
				if err := c.hub.presence.AddMember(ctx, c.roomID, c.userID, c.username, cache.PresenceTTL); err != nil {
					log.Printf("add member error: %v", err)
				}
			}
			c.enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "showAliveMembers":
			if c.roomID == "" || c.hub.presence == nil {
				continue
			}
			members, err := c.hub.presence.GetAliveMembers(ctx, c.roomID)
			if err != nil {
				log.Printf("get alive members error: %v", err)
				continue
			}
			out := make([]Member, len(members))
			for i, m := range members {
				out[i] = Member{UserID: m.UserID, Username: m.Username}
			}
			c.enqueue(ServerMessage{Type: "showAliveMembers", RoomID: c.roomID, Members: out})

		case "envelope":
			c.handleEnvelope(ctx, msg)

		default:
			// 忽略未知类型，回一条提示
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) handleEnvelope(ctx context.Context, msg ClientMessage) {
	roomID := msg.RoomID
	if roomID == "" {
		roomID = c.roomID
	}
	env := ordering.Envelope{
		RoomID:          roomID,
		Sequence:        msg.Sequence,
		Type:            msg.EnvelopeType,
		UserID:          c.userID,
		Username:        c.username,
		Payload:         msg.Payload,
		CorrelationID:   msg.CorrelationID,
		ClientTimestamp: msg.ClientTimestamp,
		ServerTimestamp: time.Now(),
	}

	res, err := c.svc.HandleEnvelope(ctx, env)
	if err != nil {
		c.enqueue(ServerMessage{Type: "error", RoomID: roomID, Content: err.Error()})
		return
	}
	c.enqueue(EnvelopeAckMessage{
		Type:          "envelope-ack",
		RoomID:        roomID,
		Sequence:      msg.Sequence,
		CorrelationID: msg.CorrelationID,
		Accepted:      res.IsValid,
		Buffered:      res.Buffered,
		Duplicate:     res.IsDuplicate,
		MissingSince:  res.MissingSince,
		AppliedCount:  len(res.Ordered),
	})
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息，直到连接下线
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if bf, ok := msg.(broadcastFrame); ok {
				_ = c.ws.WriteJSON(bf.payload)
				continue
			}
			_ = c.ws.WriteJSON(msg)
		}
	}
}
