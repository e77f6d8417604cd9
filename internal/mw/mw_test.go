package mw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"roomchat/internal/models"
	"roomchat/internal/ratelimit"
	"roomchat/internal/service"
	"roomchat/internal/store"
	"roomchat/internal/store/memstore"
)

func do(r http.Handler, method, path, remote string, header map[string]string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ok(c *gin.Context) { c.Status(http.StatusOK) }

func TestRouteLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := memstore.New()
	audit := service.NewAuditLog(st)
	r := gin.New()
	r.POST("/api/rooms/create", RouteLimit(ratelimit.NewMemory(), audit, Rule{Limit: 3, Window: time.Hour}), ok)
	r.POST("/api/session/create", RouteLimit(ratelimit.NewMemory(), audit, Rule{Limit: 1, Window: time.Hour}), ok)

	for i := 0; i < 3; i++ {
		if w := do(r, http.MethodPost, "/api/rooms/create", "10.0.0.1:1000", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}
	if w := do(r, http.MethodPost, "/api/rooms/create", "10.0.0.1:1000", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", w.Code)
	}
	// 另一个 IP 与另一条路由各自计数。
	if w := do(r, http.MethodPost, "/api/rooms/create", "10.0.0.2:1000", nil); w.Code != http.StatusOK {
		t.Errorf("other ip status = %d, want 200", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/session/create", "10.0.0.1:1000", nil); w.Code != http.StatusOK {
		t.Errorf("other route status = %d, want 200", w.Code)
	}

	events, err := st.ListAudit(context.Background(), store.AuditFilter{Kind: models.AuditRateLimited})
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("rate_limited events = %d, want 1", len(events))
	}
	if events[0].IPAddress != "10.0.0.1" {
		t.Errorf("audit ip = %q", events[0].IPAddress)
	}
	want := `{"limit":3,"path":"/api/rooms/create","window":3600}`
	if string(events[0].Details) != want {
		t.Errorf("details = %s, want %s", events[0].Details, want)
	}
}

func TestThrottle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	th := NewThrottle(rate.Every(time.Hour), 2, time.Minute)
	defer th.Stop()
	r := gin.New()
	r.Use(th.Middleware())
	r.GET("/x", ok)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(r, http.MethodGet, "/x", "10.0.0.1:1", nil).Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	th.sweep(time.Now().Add(2 * time.Minute))
	th.mu.Lock()
	n := len(th.m)
	th.mu.Unlock()
	if n != 0 {
		t.Errorf("idle limiters after sweep = %d, want 0", n)
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name      string
		env       string
		allowed   []string
		origin    string
		wantAllow string
	}{
		{"dev allows any origin", "dev", nil, "http://evil.test", "http://evil.test"},
		{"prod allows same host", "prod", nil, "http://example.com", "http://example.com"},
		{"prod rejects other host", "prod", nil, "http://evil.test", ""},
		{"prod rejects host as substring", "prod", nil, "http://example.com.evil.test", ""},
		{"prod allows listed origin", "prod", []string{"https://app.example.org"}, "https://app.example.org", "https://app.example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.env, tt.allowed))
			r.GET("/x", ok)
			req, _ := http.NewRequest(http.MethodGet, "http://example.com/x", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/x", ok)
	w := do(r, http.MethodGet, "/x", "10.0.0.1:1", nil)
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", w.Header())
	}
}
