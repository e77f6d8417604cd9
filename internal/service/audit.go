package service

import (
	"context"
	"encoding/json"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// AuditLog 只追加安全与审核相关事件。
type AuditLog struct {
	store store.Audit
	now   func() time.Time
}

func NewAuditLog(s store.Audit) *AuditLog {
	return &AuditLog{store: s, now: time.Now}
}

// Entry 是一条待写入的审计事件，零值字段表示缺省。
type Entry struct {
	Kind      models.AuditKind
	SessionID uint
	RoomID    uint
	IPAddress string
	Details   map[string]any
}

// Record 写入一条事件。失败只记日志并返回错误，不影响调用方已经完成的动作。
func (a *AuditLog) Record(ctx context.Context, e Entry) error {
	ev := models.AuditEvent{
		Kind:      e.Kind,
		SessionID: optionalID(e.SessionID),
		RoomID:    optionalID(e.RoomID),
		IPAddress: e.IPAddress,
		Timestamp: a.now(),
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return err
	}
	ev.Details = datatypes.JSON(b)
	if err := a.store.AppendAudit(ctx, &ev); err != nil {
		log.Error().Err(err).Str("kind", string(e.Kind)).Msg("append audit event")
		return err
	}
	return nil
}

// Count 统计 since 之后某类事件的数量，供仪表盘使用。
func (a *AuditLog) Count(ctx context.Context, kind models.AuditKind, since time.Time) (int64, error) {
	return a.store.CountAudit(ctx, kind, since)
}

// List 按过滤条件倒序返回审计事件。
func (a *AuditLog) List(ctx context.Context, f store.AuditFilter) ([]models.AuditEvent, error) {
	return a.store.ListAudit(ctx, f)
}

func optionalID(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}
