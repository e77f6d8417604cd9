package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomchat/internal/bus"
	"roomchat/internal/models"
	"roomchat/internal/store"
	"roomchat/internal/store/memstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDisconnector struct {
	mu     sync.Mutex
	tokens []string
}

func (d *fakeDisconnector) Disconnect(token string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	return 1
}

type testEnv struct {
	store    *memstore.Store
	clock    *fakeClock
	bus      *bus.Memory
	audit    *AuditLog
	sessions *SessionStore
	rooms    *RoomRegistry
	messages *MessageService
	mod      *Moderation
	disc     *fakeDisconnector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memstore.New()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := bus.NewMemory(64)
	t.Cleanup(func() { _ = b.Close() })

	audit := NewAuditLog(st)
	audit.now = clk.Now
	sessions := NewSessionStore(st, audit)
	sessions.now = clk.Now
	rooms, err := NewRoomRegistry(st, st, audit)
	if err != nil {
		t.Fatalf("NewRoomRegistry() error = %v", err)
	}
	rooms.now = clk.Now
	messages := NewMessageService(sessions, rooms, st, audit, b)
	messages.now = clk.Now
	disc := &fakeDisconnector{}
	mod := NewModeration(sessions, rooms, st, audit, disc)

	return &testEnv{store: st, clock: clk, bus: b, audit: audit, sessions: sessions, rooms: rooms, messages: messages, mod: mod, disc: disc}
}

func (e *testEnv) session(t *testing.T, nick string) *models.Session {
	t.Helper()
	s, err := e.sessions.Create(context.Background(), nick, "10.0.0.1")
	if err != nil {
		t.Fatalf("Create(%q) error = %v", nick, err)
	}
	return s
}

func (e *testEnv) room(t *testing.T, owner *models.Session, p CreateRoomParams) *models.Room {
	t.Helper()
	r, err := e.rooms.Create(context.Background(), owner, p, "10.0.0.1")
	if err != nil {
		t.Fatalf("Create room error = %v", err)
	}
	return r
}

func (e *testEnv) send(t *testing.T, s *models.Session, r *models.Room, content string) uint {
	t.Helper()
	m, err := e.messages.Accept(context.Background(), s, r, content, "10.0.0.1")
	if err != nil {
		t.Fatalf("Accept(%q) error = %v", content, err)
	}
	return m.ID
}

func (e *testEnv) auditCount(t *testing.T, kind models.AuditKind) int {
	t.Helper()
	evs, err := e.store.ListAudit(context.Background(), store.AuditFilter{Kind: kind, Limit: 500})
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	return len(evs)
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}

func wantValidation(t *testing.T, err error) {
	t.Helper()
	if !IsValidation(err) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func intPtr(n int) *int { return &n }
