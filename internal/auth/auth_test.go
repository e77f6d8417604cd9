package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"roomchat/internal/service"
	"roomchat/internal/store/memstore"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid password", "password123", false},
		{"empty password", "", false},
		{"long password", "a" + string(make([]byte, 70)), false}, // bcrypt 上限 72 字节
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hash == "" {
				t.Error("HashPassword() returned empty hash")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{"correct password", hash, password, true},
		{"wrong password", hash, "wrongpassword", false},
		{"empty password", hash, "", false},
		{"invalid hash", "invalidhash", password, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAdminToken(t *testing.T) {
	secret := "test-secret-key"
	token, err := GenerateAdminToken("root", secret, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}
	expired, _ := GenerateAdminToken("root", secret, -time.Minute)

	// 非管理员角色的令牌即使签名正确也要拒绝。
	userToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "user",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{"valid token", token, secret, false},
		{"wrong secret", token, "wrong-secret", true},
		{"expired", expired, secret, true},
		{"wrong role", userToken, secret, true},
		{"invalid token", "invalid.token.here", secret, true},
		{"empty token", "", secret, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAdminToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAdminToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && claims.Subject != "root" {
				t.Errorf("ParseAdminToken() Subject = %v, want root", claims.Subject)
			}
		})
	}
}

func TestAdmin_Login(t *testing.T) {
	hash, _ := HashPassword("s3cret")
	admin := Admin{User: "root", PasswordHash: hash, Secret: "k", TTL: time.Minute}

	tests := []struct {
		name     string
		admin    Admin
		user, pw string
		wantErr  bool
	}{
		{"ok", admin, "root", "s3cret", false},
		{"wrong password", admin, "root", "nope", true},
		{"wrong user", admin, "guest", "s3cret", true},
		{"no hash configured", Admin{User: "root", Secret: "k", TTL: time.Minute}, "root", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := tt.admin.Login(tt.user, tt.pw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Login() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if _, err := ParseAdminToken(token, "k"); err != nil {
				t.Errorf("issued token does not parse: %v", err)
			}
		})
	}
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", AdminMiddleware("k"), func(c *gin.Context) { c.String(http.StatusOK, AdminName(c)) })
	token, _ := GenerateAdminToken("root", "k", time.Minute)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && w.Body.String() != "root" {
				t.Errorf("AdminName = %q, want root", w.Body.String())
			}
		})
	}
}

func TestRequireSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := memstore.New()
	sessions := service.NewSessionStore(st, service.NewAuditLog(st))
	sess, err := sessions.Create(context.Background(), "alice", "127.0.0.1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r := gin.New()
	handler := func(c *gin.Context) {
		// 请求体在中间件读取后仍可绑定。
		var body struct {
			SessionToken string `json:"session_token"`
			Content      string `json:"content"`
		}
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusOK, gin.H{"nickname": CurrentSession(c).Nickname, "content": body.Content})
	}
	r.POST("/x", RequireSession(sessions), handler)

	tests := []struct {
		name   string
		header string
		query  string
		body   string
		want   int
	}{
		{"missing", "", "", "", http.StatusUnauthorized},
		{"unknown token", "nope", "", "", http.StatusUnauthorized},
		{"header", sess.Token, "", "", http.StatusOK},
		{"query", "", sess.Token, "", http.StatusOK},
		{"body", "", "", `{"session_token":"` + sess.Token + `","content":"hi"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/x"
			if tt.query != "" {
				url += "?session_token=" + tt.query
			}
			req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set(HeaderSessionToken, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK && !strings.Contains(w.Body.String(), `"alice"`) {
				t.Errorf("body = %s, want alice", w.Body.String())
			}
			if tt.name == "body" && !strings.Contains(w.Body.String(), `"content":"hi"`) {
				t.Errorf("body not restored: %s", w.Body.String())
			}
		})
	}
}
