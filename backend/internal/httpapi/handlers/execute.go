package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"codeRoomServer/backend/internal/exec"
	"codeRoomServer/backend/internal/room"
)

// Execute 执行入口的 REST 形态（信封流之外的直达路径）
type Execute struct {
	svc room.Service
}

func NewExecute(svc room.Service) *Execute {
	return &Execute{svc: svc}
}

type executeBody struct {
	Code          string `json:"code" binding:"required"`
	Language      string `json:"language" binding:"required"`
	Stdin         string `json:"stdin"`
	CorrelationID string `json:"correlationId"`
	Priority      int    `json:"priority"`
	TimeoutMs     int64  `json:"timeoutMs"`
}

// Handle POST /room/:roomId/execute
func (h *Execute) Handle(c *gin.Context) {
	roomID := c.Param("roomId")
	var body executeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.svc.Execute(c.Request.Context(), exec.Request{
		RoomID:        roomID,
		UserID:        c.GetString("userId"),
		Code:          body.Code,
		Language:      body.Language,
		Stdin:         body.Stdin,
		CorrelationID: body.CorrelationID,
		Priority:      body.Priority,
		TimeoutMs:     body.TimeoutMs,
	})

	// 执行失败也是一个结构良好的正常结果；校验类失败给 400，其余 200
	if !res.Success && (res.ErrorKind == exec.KindValidation || res.ErrorKind == exec.KindUnsupportedLanguage) {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
