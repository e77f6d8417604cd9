package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session 是匿名会话，Token 是对外唯一凭证。
type Session struct {
	ID          uint       `gorm:"primaryKey"`
	Token       string     `gorm:"uniqueIndex;size:64;not null"`
	Nickname    string     `gorm:"size:30;not null"`
	IPAddress   string     `gorm:"index;size:64"`
	IsBanned    bool       `gorm:"index:idx_session_ban;not null;default:false"`
	BannedUntil *time.Time `gorm:"index:idx_session_ban"`
	CreatedAt   time.Time
	LastActive  time.Time `gorm:"index;not null"`
}

// Room 的 OwnerSessionID 是弱引用：会话消失后房间仍然存在。
type Room struct {
	ID              uint    `gorm:"primaryKey"`
	Code            string  `gorm:"size:8;not null;uniqueIndex:idx_room_active_code,where:is_active = true"`
	Name            string  `gorm:"size:100"`
	OwnerSessionID  *uint   `gorm:"index"`
	RetentionDays   int     `gorm:"not null;default:30"`
	MaxParticipants *int
	IsActive        bool `gorm:"index;not null;default:true"`
	CreatedAt       time.Time
}

// Message 的 SessionID 同样是弱引用，读取时再解析昵称。
type Message struct {
	ID            uint      `gorm:"primaryKey"`
	RoomID        uint      `gorm:"index:idx_msg_room_ts;not null"`
	SessionID     *uint     `gorm:"index"`
	Content       string    `gorm:"type:text;not null"`
	Timestamp     time.Time `gorm:"index:idx_msg_room_ts;not null"`
	IsDeleted     bool      `gorm:"index;not null;default:false"`
	ReportedCount int       `gorm:"not null;default:0"`
}

// BanRecord 永不删除，过期即失效。
type BanRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID uint   `gorm:"index:idx_ban_session_exp;not null"`
	Reason    string `gorm:"type:text"`
	BannedBy  string `gorm:"size:100;not null"`
	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"index:idx_ban_session_exp"`
}

// ActiveAt 判断封禁记录在给定时刻是否仍然生效。
func (b BanRecord) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// AuditKind 枚举所有审计事件类型。
type AuditKind string

const (
	AuditSessionCreated  AuditKind = "session_created"
	AuditRoomCreated     AuditKind = "room_created"
	AuditRoomJoined      AuditKind = "room_joined"
	AuditMessageSent     AuditKind = "message_sent"
	AuditRateLimited     AuditKind = "rate_limited"
	AuditSessionBanned   AuditKind = "session_banned"
	AuditMessageReported AuditKind = "message_reported"
	AuditAdminAction     AuditKind = "admin_action"
)

// AuditEvent 只追加，不修改。
type AuditEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Kind      AuditKind      `gorm:"size:32;index:idx_audit_kind_ts;not null" json:"event_type"`
	SessionID *uint          `gorm:"index" json:"session_id"`
	RoomID    *uint          `gorm:"index" json:"room_id"`
	IPAddress string         `gorm:"size:64;index" json:"ip_address"`
	Details   datatypes.JSON `gorm:"type:json" json:"details"`
	Timestamp time.Time      `gorm:"index:idx_audit_kind_ts;not null" json:"timestamp"`
}
