// Package store 定义核心依赖的持久化接口，具体引擎由 gormstore / memstore 实现。
package store

import (
	"context"
	"errors"
	"time"

	"roomchat/internal/models"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: duplicate key")
)

// Sessions 会话及封禁记录的存取。
type Sessions interface {
	CreateSession(ctx context.Context, s *models.Session) error
	SessionByToken(ctx context.Context, token string) (*models.Session, error)
	SessionByID(ctx context.Context, id uint) (*models.Session, error)
	TouchSession(ctx context.Context, id uint, at time.Time) error
	SetSessionBan(ctx context.Context, id uint, banned bool, until *time.Time) error
	CreateBan(ctx context.Context, b *models.BanRecord) error
	HasActiveBan(ctx context.Context, sessionID uint, now time.Time) (bool, error)
	// ExpireBans 把仍生效的封禁记录的过期时间设为 at，返回影响条数。
	ExpireBans(ctx context.Context, sessionID uint, at time.Time) (int64, error)
	// CountActiveSessions 与 CountBannedSessions 都把未过期的封禁记录视为封禁。
	CountActiveSessions(ctx context.Context, activeSince, now time.Time) (int64, error)
	CountBannedSessions(ctx context.Context, now time.Time) (int64, error)
	Nicknames(ctx context.Context, ids []uint) (map[uint]string, error)
}

// Rooms 房间元数据。活跃房间的 code 必须唯一，冲突时返回 ErrDuplicate。
type Rooms interface {
	CreateRoom(ctx context.Context, r *models.Room) error
	ActiveRoomByCode(ctx context.Context, code string) (*models.Room, error)
	RoomByCode(ctx context.Context, code string) (*models.Room, error)
	ActiveCodeExists(ctx context.Context, code string) (bool, error)
	SetRoomActive(ctx context.Context, id uint, active bool) error
	ListActiveRooms(ctx context.Context) ([]models.Room, error)
	CountActiveRooms(ctx context.Context) (int64, error)
}

// Messages 消息的写入、分页与软删除。
type Messages interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	MessageByID(ctx context.Context, id uint) (*models.Message, error)
	// ListMessages 按时间倒序分页返回未删除消息及总数。
	ListMessages(ctx context.Context, roomID uint, offset, limit int) ([]models.Message, int64, error)
	ReportedMessages(ctx context.Context, roomID uint) ([]models.Message, error)
	IncrementReportCount(ctx context.Context, id uint) error
	SetMessageDeleted(ctx context.Context, id uint, deleted bool) error
	ClearReports(ctx context.Context, id uint) error
	SoftDeleteBefore(ctx context.Context, roomID uint, cutoff time.Time) (int64, error)
	CountBefore(ctx context.Context, roomID uint, cutoff time.Time) (int64, error)
	DistinctSenders(ctx context.Context, roomID uint) (int64, error)
	HasSent(ctx context.Context, roomID, sessionID uint) (bool, error)
}

// AuditFilter 用于查询审计日志，零值字段不参与过滤。
type AuditFilter struct {
	Kind      models.AuditKind
	SessionID uint
	RoomID    uint
	Since     time.Time
	Limit     int
}

// Audit 审计日志只追加。
type Audit interface {
	AppendAudit(ctx context.Context, e *models.AuditEvent) error
	CountAudit(ctx context.Context, kind models.AuditKind, since time.Time) (int64, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error)
}

// Store 聚合全部存储能力。
type Store interface {
	Sessions
	Rooms
	Messages
	Audit
}
