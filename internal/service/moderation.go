package service

import (
	"context"
	"fmt"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/rs/zerolog/log"
)

const defaultBlockReason = "Blocked by room owner"

// Disconnector 断开某个会话在本节点上的全部实时连接，返回断开的数量。
type Disconnector interface {
	Disconnect(token string) int
}

// Moderation 组合会话、房间与审计，提供房主与管理员的审核操作。
type Moderation struct {
	sessions *SessionStore
	rooms    *RoomRegistry
	msgs     store.Messages
	audit    *AuditLog
	disc     Disconnector
}

// NewModeration 的 disc 可以为 nil，此时封禁不会主动断开已有连接，
// 这些连接会在下一条消息重新校验会话时被关闭。
func NewModeration(sessions *SessionStore, rooms *RoomRegistry, msgs store.Messages, audit *AuditLog, disc Disconnector) *Moderation {
	return &Moderation{sessions: sessions, rooms: rooms, msgs: msgs, audit: audit, disc: disc}
}

func isOwner(room *models.Room, sess *models.Session) bool {
	return sess != nil && room.OwnerSessionID != nil && *room.OwnerSessionID == sess.ID
}

func (m *Moderation) kick(token string) {
	if m.disc == nil {
		return
	}
	if n := m.disc.Disconnect(token); n > 0 {
		log.Info().Int("connections", n).Msg("dropped connections of banned session")
	}
}

// Block 由房主永久封禁目标会话，封禁记录归属房主昵称。
func (m *Moderation) Block(ctx context.Context, actor *models.Session, roomCode, targetToken, reason, origin string) error {
	room, err := m.rooms.GetActive(ctx, roomCode)
	if err != nil {
		return err
	}
	if !isOwner(room, actor) {
		return ErrNotOwner
	}
	target, err := m.sessions.ByToken(ctx, targetToken)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = defaultBlockReason
	}
	if err := m.sessions.Ban(ctx, BanRequest{
		Target: target,
		Reason: reason,
		Actor:  actor.Nickname,
		RoomID: room.ID,
		Origin: origin,
	}); err != nil {
		return err
	}
	m.kick(target.Token)
	return nil
}

// Report 给消息的举报数加一。同一会话重复举报同一消息也会累加，不做去重。
func (m *Moderation) Report(ctx context.Context, reporter *models.Session, messageID uint, reason, origin string) error {
	msg, err := messageByID(ctx, m.msgs, messageID, false)
	if err != nil {
		return err
	}
	if err := m.msgs.IncrementReportCount(ctx, msg.ID); err != nil {
		return fmt.Errorf("increment report count: %w", err)
	}
	var sid uint
	if reporter != nil {
		sid = reporter.ID
	}
	_ = m.audit.Record(ctx, Entry{
		Kind:      models.AuditMessageReported,
		SessionID: sid,
		RoomID:    msg.RoomID,
		IPAddress: origin,
		Details:   map[string]any{"message_id": msg.ID, "reason": reason},
	})
	return nil
}

// ListReported 仅房主可用，按举报数降序、时间降序返回未删除的被举报消息。
func (m *Moderation) ListReported(ctx context.Context, owner *models.Session, roomCode string) ([]MessageView, error) {
	room, err := m.rooms.GetActive(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if !isOwner(room, owner) {
		return nil, ErrNotOwner
	}
	msgs, err := m.msgs.ReportedMessages(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("list reported messages: %w", err)
	}
	return toViews(ctx, m.sessions, msgs)
}

func (m *Moderation) adminAudit(ctx context.Context, admin, action, origin string, sessionID, roomID uint, extra map[string]any) {
	details := map[string]any{"action": action, "actor": admin}
	for k, v := range extra {
		details[k] = v
	}
	_ = m.audit.Record(ctx, Entry{
		Kind:      models.AuditAdminAction,
		SessionID: sessionID,
		RoomID:    roomID,
		IPAddress: origin,
		Details:   details,
	})
}

// AdminBan 由管理员封禁会话，expiry 为 nil 表示永久。
func (m *Moderation) AdminBan(ctx context.Context, admin, token, reason string, expiry *time.Time, origin string) error {
	target, err := m.sessions.ByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := m.sessions.Ban(ctx, BanRequest{Target: target, Reason: reason, Actor: admin, Expiry: expiry, Origin: origin}); err != nil {
		return err
	}
	m.adminAudit(ctx, admin, "ban_session", origin, target.ID, 0, map[string]any{"reason": reason})
	m.kick(target.Token)
	return nil
}

func (m *Moderation) AdminUnban(ctx context.Context, admin, token, origin string) error {
	target, err := m.sessions.ByToken(ctx, token)
	if err != nil {
		return err
	}
	return m.sessions.Unban(ctx, target, admin, origin)
}

// SetRoomActive 启用或停用房间。停用后的房间拒绝新的加入与消息，但仍可用于审计查询。
func (m *Moderation) SetRoomActive(ctx context.Context, admin, code string, active bool, origin string) (*models.Room, error) {
	room, err := m.rooms.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	action := "deactivate_room"
	if active {
		action = "activate_room"
		err = m.rooms.Activate(ctx, room)
	} else {
		err = m.rooms.Deactivate(ctx, room)
	}
	if err != nil {
		return nil, err
	}
	m.adminAudit(ctx, admin, action, origin, 0, room.ID, map[string]any{"room_code": room.Code})
	return room, nil
}

// PurgeRoom 软删除房间内 cutoff 之前的消息。
func (m *Moderation) PurgeRoom(ctx context.Context, admin, code string, cutoff time.Time) (int64, error) {
	room, err := m.rooms.Lookup(ctx, code)
	if err != nil {
		return 0, err
	}
	return m.rooms.PurgeBefore(ctx, room, cutoff, admin)
}

func (m *Moderation) DeleteMessage(ctx context.Context, admin string, id uint, origin string) error {
	return m.updateMessage(ctx, admin, id, origin, "delete_message", func(msg *models.Message) error {
		return m.msgs.SetMessageDeleted(ctx, msg.ID, true)
	})
}

func (m *Moderation) RestoreMessage(ctx context.Context, admin string, id uint, origin string) error {
	return m.updateMessage(ctx, admin, id, origin, "restore_message", func(msg *models.Message) error {
		return m.msgs.SetMessageDeleted(ctx, msg.ID, false)
	})
}

func (m *Moderation) ClearReports(ctx context.Context, admin string, id uint, origin string) error {
	return m.updateMessage(ctx, admin, id, origin, "clear_reports", func(msg *models.Message) error {
		return m.msgs.ClearReports(ctx, msg.ID)
	})
}

func (m *Moderation) updateMessage(ctx context.Context, admin string, id uint, origin, action string, apply func(*models.Message) error) error {
	msg, err := messageByID(ctx, m.msgs, id, true)
	if err != nil {
		return err
	}
	if err := apply(msg); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	m.adminAudit(ctx, admin, action, origin, 0, msg.RoomID, map[string]any{"message_id": msg.ID})
	return nil
}

// Dashboard 是后台首页的聚合计数，全部来自会话、房间与审计的查询接口。
type Dashboard struct {
	ActiveSessions   int64 `json:"active_sessions"`
	BannedSessions   int64 `json:"banned_sessions"`
	ActiveRooms      int64 `json:"active_rooms"`
	Messages24h      int64 `json:"messages_24h"`
	RateLimitHits24h int64 `json:"rate_limit_hits_24h"`
}

func (m *Moderation) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	var err error
	if d.ActiveSessions, err = m.sessions.CountActive(ctx); err != nil {
		return nil, err
	}
	if d.BannedSessions, err = m.sessions.CountBanned(ctx); err != nil {
		return nil, err
	}
	if d.ActiveRooms, err = m.rooms.CountActive(ctx); err != nil {
		return nil, err
	}
	since := m.sessions.now().Add(-24 * time.Hour)
	if d.Messages24h, err = m.audit.Count(ctx, models.AuditMessageSent, since); err != nil {
		return nil, err
	}
	if d.RateLimitHits24h, err = m.audit.Count(ctx, models.AuditRateLimited, since); err != nil {
		return nil, err
	}
	return &d, nil
}
