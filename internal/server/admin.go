package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"roomchat/internal/auth"
	"roomchat/internal/models"
	"roomchat/internal/store"
)

func (h *Handler) AdminLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	token, err := h.admin.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

func (h *Handler) Dashboard(c *gin.Context) {
	d, err := h.mod.Dashboard(c.Request.Context())
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) BanSession(c *gin.Context) {
	var req struct {
		Reason    string     `json:"reason"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	_ = c.ShouldBindJSON(&req)
	err := h.mod.AdminBan(c.Request.Context(), auth.AdminName(c), c.Param("token"), req.Reason, req.ExpiresAt, c.ClientIP())
	if err != nil {
		h.fail(c, err, "Session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session banned"})
}

func (h *Handler) UnbanSession(c *gin.Context) {
	if err := h.mod.AdminUnban(c.Request.Context(), auth.AdminName(c), c.Param("token"), c.ClientIP()); err != nil {
		h.fail(c, err, "Session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session unbanned"})
}

func (h *Handler) setRoomActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := h.mod.SetRoomActive(c.Request.Context(), auth.AdminName(c), c.Param("code"), active, c.ClientIP())
		if err != nil {
			h.fail(c, err, "Room not found")
			return
		}
		h.writeRoom(c, http.StatusOK, room)
	}
}

// PurgeRoom 软删除 before 之前的消息，before 必填。
func (h *Handler) PurgeRoom(c *gin.Context) {
	var req struct {
		Before *time.Time `json:"before"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Before == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "before (RFC 3339 timestamp) required"})
		return
	}
	n, err := h.mod.PurgeRoom(c.Request.Context(), auth.AdminName(c), c.Param("code"), *req.Before)
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (h *Handler) messageAction(apply func(c *gin.Context, id uint) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
			return
		}
		if err := apply(c, uint(id)); err != nil {
			h.fail(c, err, "Message not found")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	}
}

func (h *Handler) DeleteMessage(c *gin.Context, id uint) error {
	return h.mod.DeleteMessage(c.Request.Context(), auth.AdminName(c), id, c.ClientIP())
}

func (h *Handler) RestoreMessage(c *gin.Context, id uint) error {
	return h.mod.RestoreMessage(c.Request.Context(), auth.AdminName(c), id, c.ClientIP())
}

func (h *Handler) ClearReports(c *gin.Context, id uint) error {
	return h.mod.ClearReports(c.Request.Context(), auth.AdminName(c), id, c.ClientIP())
}

// AuditLog 按类型倒序查询审计事件，limit 最大 500。
func (h *Handler) AuditLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	f := store.AuditFilter{Kind: models.AuditKind(c.Query("kind")), Limit: limit}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		f.Since = t
	}
	events, err := h.audit.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": events})
}
