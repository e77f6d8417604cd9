package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/google/uuid"
)

const (
	// ActivityWindow 之内没有任何动作的会话视为过期。
	ActivityWindow = 24 * time.Hour
	MaxNicknameLen = 30
	systemActor    = "system"
)

// SessionStore 管理匿名会话与封禁状态。CRUD 接口与后台都只通过这里修改会话。
type SessionStore struct {
	store    store.Sessions
	audit    *AuditLog
	now      func() time.Time
	newToken func() string
}

func NewSessionStore(s store.Sessions, audit *AuditLog) *SessionStore {
	return &SessionStore{store: s, audit: audit, now: time.Now, newToken: uuid.NewString}
}

// Create 新建会话并写审计。昵称在清洗后为空或超过 30 个字符时返回 ValidationError。
func (s *SessionStore) Create(ctx context.Context, nickname, origin string) (*models.Session, error) {
	nick := Sanitize(nickname, 0)
	if nick == "" {
		return nil, invalid("nickname", "must not be empty")
	}
	if utf8.RuneCountInString(nick) > MaxNicknameLen {
		return nil, invalid("nickname", fmt.Sprintf("must be at most %d characters", MaxNicknameLen))
	}
	now := s.now()
	sess := &models.Session{
		Token:      s.newToken(),
		Nickname:   nick,
		IPAddress:  origin,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	_ = s.audit.Record(ctx, Entry{Kind: models.AuditSessionCreated, SessionID: sess.ID, IPAddress: origin})
	return sess, nil
}

// Validate 仅在会话有效时返回它，并刷新最后活跃时间。
// 未知、过期或被封禁的 token 返回 (nil, nil)，调用方按未认证处理；只有存储故障才返回错误。
func (s *SessionStore) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := s.now()
	if now.Sub(sess.LastActive) > ActivityWindow {
		return nil, nil
	}
	banned, err := s.bannedAt(ctx, sess, now)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, nil
	}
	if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	sess.LastActive = now
	return sess, nil
}

// ByToken 按 token 读取会话，不做有效性检查。
func (s *SessionStore) ByToken(ctx context.Context, token string) (*models.Session, error) {
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// EffectivelyBanned 综合会话自身的封禁标记与所有未过期的封禁记录。
func (s *SessionStore) EffectivelyBanned(ctx context.Context, sess *models.Session) (bool, error) {
	return s.bannedAt(ctx, sess, s.now())
}

func (s *SessionStore) bannedAt(ctx context.Context, sess *models.Session, now time.Time) (bool, error) {
	if flagBanned(sess, now) {
		return true, nil
	}
	active, err := s.store.HasActiveBan(ctx, sess.ID, now)
	if err != nil {
		return false, fmt.Errorf("check ban records: %w", err)
	}
	return active, nil
}

func flagBanned(sess *models.Session, now time.Time) bool {
	return sess.IsBanned && (sess.BannedUntil == nil || sess.BannedUntil.After(now))
}

// BanRequest 描述一次封禁。Expiry 为 nil 表示永久。
type BanRequest struct {
	Target *models.Session
	Reason string
	Actor  string
	Expiry *time.Time
	RoomID uint
	Origin string
}

// Ban 设置封禁标记，写入封禁记录与审计。目标已处于相同或更严格的封禁时什么也不做。
func (s *SessionStore) Ban(ctx context.Context, req BanRequest) error {
	if req.Target == nil {
		return ErrNotFound
	}
	cur, err := s.store.SessionByID(ctx, req.Target.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	now := s.now()
	if flagBanned(cur, now) && covers(cur.BannedUntil, req.Expiry) {
		return nil
	}
	actor := req.Actor
	if actor == "" {
		actor = systemActor
	}
	if err := s.store.SetSessionBan(ctx, cur.ID, true, req.Expiry); err != nil {
		return fmt.Errorf("set ban flag: %w", err)
	}
	rec := &models.BanRecord{
		SessionID: cur.ID,
		Reason:    req.Reason,
		BannedBy:  actor,
		CreatedAt: now,
		ExpiresAt: req.Expiry,
	}
	if err := s.store.CreateBan(ctx, rec); err != nil {
		return fmt.Errorf("create ban record: %w", err)
	}
	details := map[string]any{
		"target_session": cur.Token,
		"banned_by":      actor,
		"reason":         req.Reason,
	}
	if req.Expiry != nil {
		details["expires_at"] = req.Expiry.UTC().Format(time.RFC3339)
	}
	_ = s.audit.Record(ctx, Entry{
		Kind:      models.AuditSessionBanned,
		SessionID: cur.ID,
		RoomID:    req.RoomID,
		IPAddress: req.Origin,
		Details:   details,
	})
	return nil
}

// covers 判断当前过期时间是否不弱于请求的过期时间。永久封禁最严格。
func covers(current, requested *time.Time) bool {
	if current == nil {
		return true
	}
	if requested == nil {
		return false
	}
	return !current.Before(*requested)
}

// Unban 清除封禁标记，并把仍生效的封禁记录设为立即过期。历史记录保留。
func (s *SessionStore) Unban(ctx context.Context, sess *models.Session, actor, origin string) error {
	if err := s.store.SetSessionBan(ctx, sess.ID, false, nil); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("clear ban flag: %w", err)
	}
	n, err := s.store.ExpireBans(ctx, sess.ID, s.now())
	if err != nil {
		return fmt.Errorf("expire ban records: %w", err)
	}
	if actor == "" {
		actor = systemActor
	}
	_ = s.audit.Record(ctx, Entry{
		Kind:      models.AuditAdminAction,
		SessionID: sess.ID,
		IPAddress: origin,
		Details:   map[string]any{"action": "unban_session", "actor": actor, "expired_records": n},
	})
	return nil
}

// CountActive 统计 24 小时内活跃且未被封禁的会话。
func (s *SessionStore) CountActive(ctx context.Context) (int64, error) {
	now := s.now()
	return s.store.CountActiveSessions(ctx, now.Add(-ActivityWindow), now)
}

func (s *SessionStore) CountBanned(ctx context.Context) (int64, error) {
	return s.store.CountBannedSessions(ctx, s.now())
}

// Nicknames 批量解析昵称，已不存在的会话不会出现在结果里。
func (s *SessionStore) Nicknames(ctx context.Context, ids []uint) (map[uint]string, error) {
	return s.store.Nicknames(ctx, ids)
}
