// Package memstore 是进程内的 store.Store 实现，用于单节点开发与测试。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"
)

type Store struct {
	mu sync.RWMutex

	sessions    map[uint]*models.Session
	byToken     map[string]uint
	bans        []*models.BanRecord
	rooms       map[uint]*models.Room
	activeCodes map[string]uint
	messages    map[uint]*models.Message
	audit       []*models.AuditEvent

	nextSession, nextBan, nextRoom, nextMessage, nextAudit uint
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:    make(map[uint]*models.Session),
		byToken:     make(map[string]uint),
		rooms:       make(map[uint]*models.Room),
		activeCodes: make(map[string]uint),
		messages:    make(map[uint]*models.Message),
	}
}

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[sess.Token]; ok {
		return store.ErrDuplicate
	}
	s.nextSession++
	sess.ID = s.nextSession
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	cp := *sess
	s.sessions[cp.ID] = &cp
	s.byToken[cp.Token] = cp.ID
	return nil
}

func (s *Store) SessionByToken(_ context.Context, token string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.sessions[id]
	return &cp, nil
}

func (s *Store) SessionByID(_ context.Context, id uint) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) TouchSession(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastActive = at
	return nil
}

func (s *Store) SetSessionBan(_ context.Context, id uint, banned bool, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.IsBanned = banned
	sess.BannedUntil = copyTime(until)
	return nil
}

func (s *Store) CreateBan(_ context.Context, b *models.BanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBan++
	b.ID = s.nextBan
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	cp := *b
	cp.ExpiresAt = copyTime(b.ExpiresAt)
	s.bans = append(s.bans, &cp)
	return nil
}

func (s *Store) HasActiveBan(_ context.Context, sessionID uint, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bans {
		if b.SessionID == sessionID && b.ActiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ExpireBans(_ context.Context, sessionID uint, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.bans {
		if b.SessionID == sessionID && b.ActiveAt(at) {
			b.ExpiresAt = copyTime(&at)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountActiveSessions(_ context.Context, activeSince, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.LastActive.Before(activeSince) {
			continue
		}
		if s.bannedLocked(sess, now) {
			continue
		}
		n++
	}
	return n, nil
}

// bannedLocked 综合封禁标记与未过期的封禁记录，调用方需持有锁。
func (s *Store) bannedLocked(sess *models.Session, now time.Time) bool {
	if sess.IsBanned && (sess.BannedUntil == nil || sess.BannedUntil.After(now)) {
		return true
	}
	for _, b := range s.bans {
		if b.SessionID == sess.ID && b.ActiveAt(now) {
			return true
		}
	}
	return false
}

func (s *Store) CountBannedSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sess := range s.sessions {
		if s.bannedLocked(sess, now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Nicknames(_ context.Context, ids []uint) (map[uint]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint]string, len(ids))
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok {
			out[id] = sess.Nickname
		}
	}
	return out, nil
}

func (s *Store) CreateRoom(_ context.Context, r *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IsActive {
		if _, taken := s.activeCodes[r.Code]; taken {
			return store.ErrDuplicate
		}
	}
	s.nextRoom++
	r.ID = s.nextRoom
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	s.rooms[cp.ID] = &cp
	if cp.IsActive {
		s.activeCodes[cp.Code] = cp.ID
	}
	return nil
}

func (s *Store) ActiveRoomByCode(_ context.Context, code string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeCodes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.rooms[id]
	return &cp, nil
}

func (s *Store) RoomByCode(_ context.Context, code string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.activeCodes[code]; ok {
		cp := *s.rooms[id]
		return &cp, nil
	}
	var latest *models.Room
	for _, r := range s.rooms {
		if r.Code == code && (latest == nil || r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ActiveCodeExists(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeCodes[code]
	return ok, nil
}

func (s *Store) SetRoomActive(_ context.Context, id uint, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.IsActive == active {
		return nil
	}
	if active {
		if _, taken := s.activeCodes[r.Code]; taken {
			return store.ErrDuplicate
		}
		s.activeCodes[r.Code] = r.ID
	} else {
		delete(s.activeCodes, r.Code)
	}
	r.IsActive = active
	return nil
}

func (s *Store) ListActiveRooms(_ context.Context) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Room, 0, len(s.activeCodes))
	for _, id := range s.activeCodes {
		out = append(out, *s.rooms[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountActiveRooms(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.activeCodes)), nil
}

func (s *Store) CreateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[m.RoomID]; !ok {
		return store.ErrNotFound
	}
	s.nextMessage++
	m.ID = s.nextMessage
	cp := *m
	cp.SessionID = copyUint(m.SessionID)
	s.messages[cp.ID] = &cp
	return nil
}

func (s *Store) MessageByID(_ context.Context, id uint) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// roomMessages 返回房间内满足条件的消息副本，调用方需持有读锁。
func (s *Store) roomMessages(roomID uint, keep func(*models.Message) bool) []models.Message {
	var out []models.Message
	for _, m := range s.messages {
		if m.RoomID == roomID && keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) ListMessages(_ context.Context, roomID uint, offset, limit int) ([]models.Message, int64, error) {
	s.mu.RLock()
	msgs := s.roomMessages(roomID, func(m *models.Message) bool { return !m.IsDeleted })
	s.mu.RUnlock()
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.After(msgs[j].Timestamp)
		}
		return msgs[i].ID > msgs[j].ID
	})
	total := int64(len(msgs))
	if offset >= len(msgs) {
		return []models.Message{}, total, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[offset:end], total, nil
}

func (s *Store) ReportedMessages(_ context.Context, roomID uint) ([]models.Message, error) {
	s.mu.RLock()
	msgs := s.roomMessages(roomID, func(m *models.Message) bool { return !m.IsDeleted && m.ReportedCount > 0 })
	s.mu.RUnlock()
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ReportedCount != msgs[j].ReportedCount {
			return msgs[i].ReportedCount > msgs[j].ReportedCount
		}
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.After(msgs[j].Timestamp)
		}
		return msgs[i].ID > msgs[j].ID
	})
	return msgs, nil
}

func (s *Store) IncrementReportCount(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.ReportedCount++
	return nil
}

func (s *Store) SetMessageDeleted(_ context.Context, id uint, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.IsDeleted = deleted
	return nil
}

func (s *Store) ClearReports(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.ReportedCount = 0
	return nil
}

func (s *Store) SoftDeleteBefore(_ context.Context, roomID uint, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.RoomID == roomID && !m.IsDeleted && m.Timestamp.Before(cutoff) {
			m.IsDeleted = true
			n++
		}
	}
	return n, nil
}

func (s *Store) CountBefore(_ context.Context, roomID uint, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.roomMessages(roomID, func(m *models.Message) bool { return !m.IsDeleted && m.Timestamp.Before(cutoff) })
	return int64(len(msgs)), nil
}

func (s *Store) DistinctSenders(_ context.Context, roomID uint) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uint]struct{})
	for _, m := range s.messages {
		if m.RoomID == roomID && !m.IsDeleted && m.SessionID != nil {
			seen[*m.SessionID] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (s *Store) HasSent(_ context.Context, roomID, sessionID uint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.RoomID == roomID && !m.IsDeleted && m.SessionID != nil && *m.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AppendAudit(_ context.Context, e *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	e.ID = s.nextAudit
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) CountAudit(_ context.Context, kind models.AuditKind, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.audit {
		if e.Kind == kind && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListAudit(_ context.Context, f store.AuditFilter) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := make([]models.AuditEvent, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.SessionID != 0 && (e.SessionID == nil || *e.SessionID != f.SessionID) {
			continue
		}
		if f.RoomID != 0 && (e.RoomID == nil || *e.RoomID != f.RoomID) {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyUint(u *uint) *uint {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}
