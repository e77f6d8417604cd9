package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"roomchat/internal/auth"
	"roomchat/internal/models"
	"roomchat/internal/service"
	"roomchat/internal/ws"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	sessions *service.SessionStore
	rooms    *service.RoomRegistry
	messages *service.MessageService
	mod      *service.Moderation
	audit    *service.AuditLog
	gw       *ws.Gateway
	admin    auth.Admin
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		sessions: d.Sessions,
		rooms:    d.Rooms,
		messages: d.Messages,
		mod:      d.Moderation,
		audit:    d.Audit,
		gw:       d.Gateway,
		admin:    d.Admin,
	}
}

// fail 把业务错误映射为 HTTP 状态码，未预期的错误记日志并返回 500。
func (h *Handler) fail(c *gin.Context, err error, notFound string) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message, "field": ve.Field})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "Only room owner can do this"})
	case errors.Is(err, service.ErrCapacityExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "Room is full"})
	case errors.Is(err, service.ErrRoomInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Room is no longer active"})
	case errors.Is(err, service.ErrCodeInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "Room code is in use by another active room"})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type sessionView struct {
	SessionToken string    `json:"session_token"`
	Nickname     string    `json:"nickname"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

func toSessionView(s *models.Session) sessionView {
	return sessionView{SessionToken: s.Token, Nickname: s.Nickname, CreatedAt: s.CreatedAt, LastActive: s.LastActive}
}

type roomView struct {
	Code             string    `json:"code"`
	Name             string    `json:"name"`
	OwnerNickname    string    `json:"owner_nickname"`
	CreatedAt        time.Time `json:"created_at"`
	RetentionDays    int       `json:"message_retention_days"`
	IsActive         bool      `json:"is_active"`
	MaxParticipants  *int      `json:"max_participants"`
	ParticipantCount int64     `json:"participant_count"`
	Online           int       `json:"online"`
}

func (h *Handler) roomView(ctx context.Context, room *models.Room) (roomView, error) {
	v := roomView{
		Code:            room.Code,
		Name:            room.Name,
		CreatedAt:       room.CreatedAt,
		RetentionDays:   room.RetentionDays,
		IsActive:        room.IsActive,
		MaxParticipants: room.MaxParticipants,
		Online:          h.gw.Online(room.Code),
	}
	if room.OwnerSessionID != nil {
		names, err := h.sessions.Nicknames(ctx, []uint{*room.OwnerSessionID})
		if err != nil {
			return v, err
		}
		v.OwnerNickname = names[*room.OwnerSessionID]
	}
	n, err := h.rooms.ParticipantCount(ctx, room)
	if err != nil {
		return v, err
	}
	v.ParticipantCount = n
	return v, nil
}

func (h *Handler) writeRoom(c *gin.Context, status int, room *models.Room) {
	v, err := h.roomView(c.Request.Context(), room)
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	c.JSON(status, v)
}

// CreateSession 创建匿名会话。
func (h *Handler) CreateSession(c *gin.Context) {
	var req struct {
		Nickname string `json:"nickname"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	sess, err := h.sessions.Create(c.Request.Context(), req.Nickname, c.ClientIP())
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_token": sess.Token,
		"nickname":      sess.Nickname,
		"created_at":    sess.CreatedAt,
	})
}

func (h *Handler) ValidateSession(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token required"})
		return
	}
	sess, err := h.sessions.Validate(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	if sess == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
		return
	}
	c.JSON(http.StatusOK, toSessionView(sess))
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name            string `json:"name"`
		RetentionDays   int    `json:"message_retention_days"`
		MaxParticipants *int   `json:"max_participants"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.rooms.Create(c.Request.Context(), auth.CurrentSession(c), service.CreateRoomParams{
		Name:            req.Name,
		RetentionDays:   req.RetentionDays,
		MaxParticipants: req.MaxParticipants,
	}, c.ClientIP())
	if err != nil {
		h.fail(c, err, "")
		return
	}
	h.writeRoom(c, http.StatusCreated, room)
}

// JoinRoom 检查房间是否存在、是否还能容纳当前会话，并记录加入审计。
func (h *Handler) JoinRoom(c *gin.Context) {
	var req struct {
		RoomCode string `json:"room_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RoomCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_code required"})
		return
	}
	ctx := c.Request.Context()
	sess := auth.CurrentSession(c)
	room, err := h.rooms.Enter(ctx, sess, req.RoomCode, c.ClientIP())
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	if err := h.rooms.Join(ctx, room, sess); err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	h.rooms.RecordJoin(ctx, sess, room, c.ClientIP())
	h.writeRoom(c, http.StatusOK, room)
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetActive(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	h.writeRoom(c, http.StatusOK, room)
}

func (h *Handler) RoomMessages(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	out, err := h.messages.History(c.Request.Context(), c.Param("code"), page, size)
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	c.JSON(http.StatusOK, out)
}

// SendMessage 与网关共用会话级发言限额与接收流程。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		RoomCode string `json:"room_code"`
		Content  string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomCode == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_code and content required"})
		return
	}
	if err := service.ValidateContent(req.Content); err != nil {
		h.fail(c, err, "")
		return
	}
	ctx := c.Request.Context()
	sess := auth.CurrentSession(c)
	if !h.gw.AllowSend(ctx, sess, nil, c.ClientIP(), "api") {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded. Please slow down."})
		return
	}
	msg, err := h.messages.Send(ctx, sess, req.RoomCode, req.Content, c.ClientIP())
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ReportMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.mod.Report(c.Request.Context(), auth.CurrentSession(c), uint(id), req.Reason, c.ClientIP()); err != nil {
		h.fail(c, err, "Message not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message reported successfully"})
}

func (h *Handler) BlockSession(c *gin.Context) {
	var req struct {
		RoomCode           string `json:"room_code"`
		TargetSessionToken string `json:"target_session_token"`
		Reason             string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomCode == "" || req.TargetSessionToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_code and target_session_token required"})
		return
	}
	err := h.mod.Block(c.Request.Context(), auth.CurrentSession(c), req.RoomCode, req.TargetSessionToken, req.Reason, c.ClientIP())
	if err != nil {
		h.fail(c, err, "Room or target session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session blocked successfully"})
}

func (h *Handler) Reports(c *gin.Context) {
	code := c.Query("room_code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_code required"})
		return
	}
	views, err := h.mod.ListReported(c.Request.Context(), auth.CurrentSession(c), code)
	if err != nil {
		h.fail(c, err, "Room not found")
		return
	}
	c.JSON(http.StatusOK, views)
}
