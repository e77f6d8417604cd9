// Package auth 负责管理员登录令牌与会话 token 的提取校验。
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	roleAdmin = "admin"
	ctxAdmin  = "admin"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// GenerateAdminToken 签发管理员访问令牌，subject 为管理员名。
func GenerateAdminToken(name, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAdminToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != roleAdmin || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Admin 是唯一的后台账号，密码以 bcrypt 哈希保存在配置中。
type Admin struct {
	User         string
	PasswordHash string
	Secret       string
	TTL          time.Duration
}

// Login 校验账号密码并签发令牌。未配置密码哈希时拒绝所有登录。
func (a Admin) Login(user, password string) (string, error) {
	if a.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) == 1
	if !VerifyPassword(a.PasswordHash, password) || !userOK {
		return "", ErrInvalidCredentials
	}
	return GenerateAdminToken(a.User, a.Secret, a.TTL)
}

// AdminMiddleware 要求 Authorization: Bearer <admin token>。
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := ParseAdminToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxAdmin, claims.Subject)
		c.Next()
	}
}

// AdminName 返回当前请求的管理员名，未认证时为空。
func AdminName(c *gin.Context) string {
	return c.GetString(ctxAdmin)
}
