// Package gormstore 基于 gorm 实现 store.Store，Postgres 与 SQLite 共用同一套查询。
package gormstore

import (
	"context"
	"errors"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"

	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// translate 把 gorm 的错误映射为 store 包的哨兵错误。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	return translate(s.db.WithContext(ctx).Create(sess).Error)
}

func (s *Store) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&sess).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

func (s *Store) SessionByID(ctx context.Context, id uint) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).First(&sess, id).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).
		Update("last_active", at).Error)
}

func (s *Store) SetSessionBan(ctx context.Context, id uint, banned bool, until *time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).
		Updates(map[string]any{"is_banned": banned, "banned_until": until})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateBan(ctx context.Context, b *models.BanRecord) error {
	return translate(s.db.WithContext(ctx).Create(b).Error)
}

func (s *Store) HasActiveBan(ctx context.Context, sessionID uint, now time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.BanRecord{}).
		Where("session_id = ? AND (expires_at IS NULL OR expires_at > ?)", sessionID, now).
		Count(&n).Error
	return n > 0, translate(err)
}

func (s *Store) ExpireBans(ctx context.Context, sessionID uint, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.BanRecord{}).
		Where("session_id = ? AND (expires_at IS NULL OR expires_at > ?)", sessionID, at).
		Update("expires_at", at)
	return res.RowsAffected, translate(res.Error)
}

// activeBanRecord 匹配仍生效的封禁记录，与会话自身的封禁标记共同决定实际封禁状态。
const activeBanRecord = "EXISTS (SELECT 1 FROM ban_records b WHERE b.session_id = sessions.id AND (b.expires_at IS NULL OR b.expires_at > ?))"

func (s *Store) CountActiveSessions(ctx context.Context, activeSince, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("last_active >= ?", activeSince).
		Where("is_banned = ? OR (banned_until IS NOT NULL AND banned_until <= ?)", false, now).
		Where("NOT "+activeBanRecord, now).
		Count(&n).Error
	return n, translate(err)
}

func (s *Store) CountBannedSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("(is_banned = ? AND (banned_until IS NULL OR banned_until > ?)) OR "+activeBanRecord, true, now, now).
		Count(&n).Error
	return n, translate(err)
}

func (s *Store) Nicknames(ctx context.Context, ids []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var sessions []models.Session
	if err := s.db.WithContext(ctx).Select("id", "nickname").Where("id IN ?", ids).Find(&sessions).Error; err != nil {
		return nil, translate(err)
	}
	for _, sess := range sessions {
		out[sess.ID] = sess.Nickname
	}
	return out, nil
}

func (s *Store) CreateRoom(ctx context.Context, r *models.Room) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Store) ActiveRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	var r models.Room
	if err := s.db.WithContext(ctx).Where("code = ? AND is_active = ?", code, true).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// RoomByCode 优先返回活跃房间，否则返回最近创建的同码房间。
func (s *Store) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	var r models.Room
	if err := s.db.WithContext(ctx).Where("code = ?", code).
		Order("is_active desc").Order("id desc").First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Store) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("code = ? AND is_active = ?", code, true).Count(&n).Error
	return n > 0, translate(err)
}

func (s *Store) SetRoomActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&rooms).Error
	return rooms, translate(err)
}

func (s *Store) CountActiveRooms(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Room{}).Where("is_active = ?", true).Count(&n).Error
	return n, translate(err)
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

func (s *Store) MessageByID(ctx context.Context, id uint) (*models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID uint, offset, limit int) ([]models.Message, int64, error) {
	// Count 与 Find 复用同一条件，需要独立会话。
	q := s.db.WithContext(ctx).Model(&models.Message{}).Where("room_id = ? AND is_deleted = ?", roomID, false).
		Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}
	var msgs []models.Message
	if err := q.Order("timestamp desc").Order("id desc").Offset(offset).Limit(limit).Find(&msgs).Error; err != nil {
		return nil, 0, translate(err)
	}
	return msgs, total, nil
}

func (s *Store) ReportedMessages(ctx context.Context, roomID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND is_deleted = ? AND reported_count > 0", roomID, false).
		Order("reported_count desc").Order("timestamp desc").Order("id desc").
		Find(&msgs).Error
	return msgs, translate(err)
}

// IncrementReportCount 在数据库侧原子自增，避免读改写竞争。
func (s *Store) IncrementReportCount(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).
		UpdateColumn("reported_count", gorm.Expr("reported_count + ?", 1))
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetMessageDeleted(ctx context.Context, id uint, deleted bool) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Update("is_deleted", deleted)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearReports(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).UpdateColumn("reported_count", 0)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SoftDeleteBefore(ctx context.Context, roomID uint, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ? AND is_deleted = ? AND timestamp < ?", roomID, false, cutoff).
		Update("is_deleted", true)
	return res.RowsAffected, translate(res.Error)
}

func (s *Store) CountBefore(ctx context.Context, roomID uint, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ? AND is_deleted = ? AND timestamp < ?", roomID, false, cutoff).
		Count(&n).Error
	return n, translate(err)
}

func (s *Store) DistinctSenders(ctx context.Context, roomID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ? AND is_deleted = ? AND session_id IS NOT NULL", roomID, false).
		Distinct("session_id").Count(&n).Error
	return n, translate(err)
}

func (s *Store) HasSent(ctx context.Context, roomID, sessionID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ? AND session_id = ? AND is_deleted = ?", roomID, sessionID, false).
		Limit(1).Count(&n).Error
	return n > 0, translate(err)
}

func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEvent) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *Store) CountAudit(ctx context.Context, kind models.AuditKind, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AuditEvent{}).
		Where("kind = ? AND timestamp >= ?", kind, since).Count(&n).Error
	return n, translate(err)
}

func (s *Store) ListAudit(ctx context.Context, f store.AuditFilter) ([]models.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&models.AuditEvent{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.SessionID != 0 {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.RoomID != 0 {
		q = q.Where("room_id = ?", f.RoomID)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.AuditEvent
	err := q.Order("timestamp desc").Order("id desc").Limit(limit).Find(&events).Error
	return events, translate(err)
}
