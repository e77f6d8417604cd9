package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"roomchat/internal/models"
	"roomchat/internal/service"
)

const (
	HeaderSessionToken = "X-Session-Token"
	ctxSession         = "session"
	maxPeekBytes       = 64 << 10
)

// SessionToken 依次从请求头、查询参数 session_token、JSON 请求体的 session_token 字段取 token。
// 读取请求体后会原样放回，后续 handler 仍可绑定。
func SessionToken(c *gin.Context) string {
	if t := c.GetHeader(HeaderSessionToken); t != "" {
		return t
	}
	if t := c.Query("session_token"); t != "" {
		return t
	}
	if c.Request.Body == nil || c.ContentType() != gin.MIMEJSON {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPeekBytes))
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	var v struct {
		SessionToken string `json:"session_token"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	return v.SessionToken
}

// RequireSession 校验会话 token，通过后把会话放入上下文。
func RequireSession(sessions *service.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := SessionToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session token required"})
			return
		}
		sess, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			log.Error().Err(err).Msg("validate session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if sess == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
			return
		}
		c.Set(ctxSession, sess)
		c.Next()
	}
}

// CurrentSession 返回 RequireSession 放入的会话。
func CurrentSession(c *gin.Context) *models.Session {
	if v, ok := c.Get(ctxSession); ok {
		if sess, ok2 := v.(*models.Session); ok2 {
			return sess
		}
	}
	return nil
}
