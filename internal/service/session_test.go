package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/store"
)

func TestSessionStore_Create(t *testing.T) {
	tests := []struct {
		name     string
		nickname string
		want     string
		invalid  bool
	}{
		{"plain", "alice", "alice", false},
		{"trimmed", "  bob  ", "bob", false},
		{"escaped", "<b>x</b>", "&lt;b&gt;x&lt;/b&gt;", false},
		{"thirty chars", strings.Repeat("a", 30), strings.Repeat("a", 30), false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"too long", strings.Repeat("a", 31), "", true},
		{"too long after escaping", strings.Repeat("<", 8), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s, err := env.sessions.Create(context.Background(), tt.nickname, "10.0.0.1")
			if tt.invalid {
				wantValidation(t, err)
				return
			}
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if s.Nickname != tt.want {
				t.Errorf("Nickname = %q, want %q", s.Nickname, tt.want)
			}
			if len(s.Token) != 36 {
				t.Errorf("Token = %q, want a uuid", s.Token)
			}
			if got := env.auditCount(t, models.AuditSessionCreated); got != 1 {
				t.Errorf("session_created events = %d, want 1", got)
			}
		})
	}
}

func TestSessionStore_CreateIssuesDistinctTokens(t *testing.T) {
	env := newTestEnv(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s := env.session(t, "n")
		if seen[s.Token] {
			t.Fatalf("duplicate token %q", s.Token)
		}
		seen[s.Token] = true
	}
}

func TestSessionStore_Validate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.session(t, "alice")

	if got, err := env.sessions.Validate(ctx, ""); got != nil || err != nil {
		t.Errorf("Validate(empty) = %v, %v; want nil, nil", got, err)
	}
	if got, err := env.sessions.Validate(ctx, "no-such-token"); got != nil || err != nil {
		t.Errorf("Validate(unknown) = %v, %v; want nil, nil", got, err)
	}

	env.clock.Advance(23 * time.Hour)
	got, err := env.sessions.Validate(ctx, s.Token)
	if err != nil || got == nil {
		t.Fatalf("Validate() = %v, %v; want session", got, err)
	}
	stored, _ := env.store.SessionByID(ctx, s.ID)
	if !stored.LastActive.Equal(env.clock.Now()) {
		t.Errorf("LastActive = %v, want refreshed to %v", stored.LastActive, env.clock.Now())
	}

	// 刚刷新过，再过 23 小时仍然有效。
	env.clock.Advance(23 * time.Hour)
	if got, _ := env.sessions.Validate(ctx, s.Token); got == nil {
		t.Error("Validate() = nil after refresh, want session")
	}

	env.clock.Advance(25 * time.Hour)
	if got, err := env.sessions.Validate(ctx, s.Token); got != nil || err != nil {
		t.Errorf("Validate() after inactivity = %v, %v; want nil, nil", got, err)
	}
}

func TestSessionStore_BanPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.session(t, "mallory")

	if err := env.sessions.Ban(ctx, BanRequest{Target: s, Reason: "spam", Actor: "admin"}); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if got, _ := env.sessions.Validate(ctx, s.Token); got != nil {
		t.Error("Validate() returned a banned session")
	}
	banned, err := env.sessions.EffectivelyBanned(ctx, s)
	if err != nil || !banned {
		t.Errorf("EffectivelyBanned() = %v, %v; want true", banned, err)
	}

	evs, _ := env.store.ListAudit(ctx, store.AuditFilter{Kind: models.AuditSessionBanned})
	if len(evs) != 1 {
		t.Fatalf("session_banned events = %d, want 1", len(evs))
	}
	var details map[string]any
	_ = json.Unmarshal(evs[0].Details, &details)
	if details["banned_by"] != "admin" || details["target_session"] != s.Token {
		t.Errorf("details = %v", details)
	}
}

func TestSessionStore_BanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	hour := func(env *testEnv, n int) *time.Time {
		at := env.clock.Now().Add(time.Duration(n) * time.Hour)
		return &at
	}

	tests := []struct {
		name       string
		first      func(*testEnv) *time.Time
		second     func(*testEnv) *time.Time
		wantEvents int
	}{
		{"permanent twice", func(*testEnv) *time.Time { return nil }, func(*testEnv) *time.Time { return nil }, 1},
		{"shorter after permanent", func(*testEnv) *time.Time { return nil }, func(e *testEnv) *time.Time { return hour(e, 1) }, 1},
		{"same expiry", func(e *testEnv) *time.Time { return hour(e, 2) }, func(e *testEnv) *time.Time { return hour(e, 2) }, 1},
		{"shorter expiry", func(e *testEnv) *time.Time { return hour(e, 2) }, func(e *testEnv) *time.Time { return hour(e, 1) }, 1},
		{"longer expiry", func(e *testEnv) *time.Time { return hour(e, 1) }, func(e *testEnv) *time.Time { return hour(e, 2) }, 2},
		{"permanent after expiry", func(e *testEnv) *time.Time { return hour(e, 1) }, func(*testEnv) *time.Time { return nil }, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.session(t, "x")
			if err := env.sessions.Ban(ctx, BanRequest{Target: s, Expiry: tt.first(env)}); err != nil {
				t.Fatalf("first Ban() error = %v", err)
			}
			if err := env.sessions.Ban(ctx, BanRequest{Target: s, Expiry: tt.second(env)}); err != nil {
				t.Fatalf("second Ban() error = %v", err)
			}
			if got := env.auditCount(t, models.AuditSessionBanned); got != tt.wantEvents {
				t.Errorf("session_banned events = %d, want %d", got, tt.wantEvents)
			}
		})
	}
}

func TestSessionStore_TemporaryBanExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.session(t, "tmp")
	until := env.clock.Now().Add(time.Hour)
	if err := env.sessions.Ban(ctx, BanRequest{Target: s, Expiry: &until}); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if got, _ := env.sessions.Validate(ctx, s.Token); got != nil {
		t.Error("Validate() during ban returned session")
	}
	env.clock.Advance(2 * time.Hour)
	if got, _ := env.sessions.Validate(ctx, s.Token); got == nil {
		t.Error("Validate() after ban expiry = nil, want session")
	}
}

func TestSessionStore_BanRecordAloneIsEffective(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.session(t, "rec")
	if err := env.store.CreateBan(ctx, &models.BanRecord{SessionID: s.ID, BannedBy: "system"}); err != nil {
		t.Fatalf("CreateBan() error = %v", err)
	}
	if got, _ := env.sessions.Validate(ctx, s.Token); got != nil {
		t.Error("Validate() ignored an active ban record")
	}
}

func TestSessionStore_Unban(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.session(t, "u")
	if err := env.sessions.Ban(ctx, BanRequest{Target: s, Actor: "admin"}); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if err := env.sessions.Unban(ctx, s, "admin", ""); err != nil {
		t.Fatalf("Unban() error = %v", err)
	}
	if got, _ := env.sessions.Validate(ctx, s.Token); got == nil {
		t.Error("Validate() after unban = nil, want session")
	}
	if active, _ := env.store.HasActiveBan(ctx, s.ID, env.clock.Now()); active {
		t.Error("ban record still active after unban")
	}
	if got := env.auditCount(t, models.AuditAdminAction); got != 1 {
		t.Errorf("admin_action events = %d, want 1", got)
	}

	if err := env.sessions.Unban(ctx, &models.Session{ID: 999}, "admin", ""); err != ErrNotFound {
		t.Errorf("Unban(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_Counts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.session(t, "a")
	env.session(t, "b")
	env.session(t, "c")
	_ = env.sessions.Ban(ctx, BanRequest{Target: a})

	if n, _ := env.sessions.CountActive(ctx); n != 2 {
		t.Errorf("CountActive() = %d, want 2", n)
	}
	if n, _ := env.sessions.CountBanned(ctx); n != 1 {
		t.Errorf("CountBanned() = %d, want 1", n)
	}
	env.clock.Advance(25 * time.Hour)
	if n, _ := env.sessions.CountActive(ctx); n != 0 {
		t.Errorf("CountActive() after a day = %d, want 0", n)
	}
}
