package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"codeRoomServer/backend/internal/cache"
	"codeRoomServer/backend/internal/exec"
	"codeRoomServer/backend/internal/journal"
	"codeRoomServer/backend/internal/ordering"
	"codeRoomServer/backend/internal/room"
)

// 缺口宽度超过该值即视为 critical（丢了一大段，只能强推恢复）
const criticalGapWidth = 50

// Diagnostics 诊断/修复面：读多写少，唯一的变更入口是 force-advance 和 cleanup
type Diagnostics struct {
	tracker  *ordering.Tracker
	ledger   *ordering.Ledger
	journal  *journal.Journal
	coord    *exec.Coordinator
	stats    *cache.StatsCache
	presence cache.PresenceCache
	svc      room.Service
}

func NewDiagnostics(
	tracker *ordering.Tracker,
	ledger *ordering.Ledger,
	jr *journal.Journal,
	coord *exec.Coordinator,
	stats *cache.StatsCache,
	presence cache.PresenceCache,
	svc room.Service,
) *Diagnostics {
	return &Diagnostics{
		tracker:  tracker,
		ledger:   ledger,
		journal:  jr,
		coord:    coord,
		stats:    stats,
		presence: presence,
		svc:      svc,
	}
}

// Register 挂载诊断路由
func (d *Diagnostics) Register(rg *gin.RouterGroup) {
	rg.GET("/ordering", d.Ordering)
	rg.GET("/rooms", d.Rooms)
	rg.GET("/room/:roomId", d.Room)
	rg.GET("/room/:roomId/history", d.History)
	rg.GET("/room/:roomId/gaps", d.Gaps)
	rg.POST("/room/:roomId/force-advance", d.ForceAdvance)
	rg.GET("/room/:roomId/replay", d.Replay)
	rg.POST("/cleanup", d.Cleanup)
	rg.GET("/health", d.Health)
}

// Ordering GET /ordering：全局定序聚合统计
func (d *Diagnostics) Ordering(c *gin.Context) {
	st := d.tracker.GlobalStats()
	c.JSON(http.StatusOK, gin.H{
		"activeRooms":     st.ActiveRooms,
		"pendingMessages": st.BufferedTotal,
		"bufferCapacity":  st.BufferLimit,
		"queue":           d.coord.QueueStats(),
	})
}

// Rooms GET /rooms：活跃房间总览——内存定序投影里的房间 + 仍有在线成员的房间
func (d *Diagnostics) Rooms(c *gin.Context) {
	resp := gin.H{"tracked": d.tracker.RoomIDs()}
	if d.presence != nil {
		occupied, err := d.presence.GetRooms(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if occupied == nil {
			occupied = []string{}
		}
		resp["occupied"] = occupied
	}
	c.JSON(http.StatusOK, resp)
}

// Room GET /room/:roomId：定序状态 + 因果状态 + 缓冲序号列表
func (d *Diagnostics) Room(c *gin.Context) {
	roomID := c.Param("roomId")
	ordState, ok := d.tracker.Room(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ordering":  ordState,
		"causality": d.ledger.Room(roomID),
	})
}

// History GET /room/:roomId/history?limit&offset：分页日志切片
func (d *Diagnostics) History(c *gin.Context) {
	roomID := c.Param("roomId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := d.journal.History(c.Request.Context(), roomID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	st, err := d.stats.GetRoomStats(c.Request.Context(), roomID, func() (journal.RoomStats, error) {
		return d.journal.GetRoomStats(c.Request.Context(), roomID)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": entries,
		"stats":    st,
		"limit":    limit,
		"offset":   offset,
	})
}

// Gaps GET /room/:roomId/gaps：持久日志中的缺失子区间
func (d *Diagnostics) Gaps(c *gin.Context) {
	roomID := c.Param("roomId")
	st, err := d.journal.GetRoomStats(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st.Total == 0 {
		c.JSON(http.StatusOK, gin.H{"gaps": []journal.Gap{}, "hasCriticalGaps": false})
		return
	}

	gaps, err := d.journal.FindSequenceGaps(c.Request.Context(), roomID, st.MinSequence, st.MaxSequence)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	critical := d.tracker.HasCriticalGap(roomID)
	for _, g := range gaps {
		if g.Width() > criticalGapWidth {
			critical = true
			break
		}
	}
	if gaps == nil {
		gaps = []journal.Gap{}
	}
	c.JSON(http.StatusOK, gin.H{"gaps": gaps, "hasCriticalGaps": critical})
}

// ForceAdvance POST /room/:roomId/force-advance {toSequence}：
// 显式恢复操作，对同一目标序号幂等；接受丢失缺口内消息的后果。
func (d *Diagnostics) ForceAdvance(c *gin.Context) {
	roomID := c.Param("roomId")
	var body struct {
		ToSequence int64 `json:"toSequence"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ToSequence < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "toSequence (>=1) is required"})
		return
	}

	res := d.svc.ForceAdvance(c.Request.Context(), roomID, body.ToSequence)
	d.stats.Invalidate(c.Request.Context(), roomID)
	state, _ := d.tracker.Room(roomID)
	c.JSON(http.StatusOK, gin.H{
		"advancedTo": body.ToSequence,
		"drained":    len(res.Ordered),
		"ordering":   state,
	})
}

// Replay GET /room/:roomId/replay?fromSequence&toSequence：
// 迟到加入者的有序回放片段（仅 processed）
func (d *Diagnostics) Replay(c *gin.Context) {
	roomID := c.Param("roomId")
	from, _ := strconv.ParseInt(c.DefaultQuery("fromSequence", "1"), 10, 64)
	to, _ := strconv.ParseInt(c.DefaultQuery("toSequence", "0"), 10, 64)
	if to <= 0 {
		st, err := d.journal.GetRoomStats(c.Request.Context(), roomID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		to = st.MaxSequence
	}
	if to < from {
		c.JSON(http.StatusOK, gin.H{"messages": []journal.Entry{}, "from": from, "to": to})
		return
	}

	entries, err := d.journal.GetSequenceRange(c.Request.Context(), roomID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries, "from": from, "to": to})
}

// Cleanup POST /cleanup：丢弃全部内存房间状态（仅运维用；持久记录不动）
func (d *Diagnostics) Cleanup(c *gin.Context) {
	dropped := d.tracker.Reset()
	d.ledger.Reset()
	c.JSON(http.StatusOK, gin.H{"droppedRooms": dropped})
}

// Health GET /health：由缓冲占用推出的粗粒度健康信号
func (d *Diagnostics) Health(c *gin.Context) {
	st := d.tracker.GlobalStats()
	status := "healthy"
	// 缓冲总量逼近单房间容量说明至少有房间卡在缺口上
	if st.BufferLimit > 0 && st.BufferedTotal >= st.BufferLimit/2 {
		status = "warning"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"orderingStats": st,
	})
}
