package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/metrics"
	"roomchat/internal/mw"
	"roomchat/internal/ratelimit"
	"roomchat/internal/service"
	"roomchat/internal/ws"
)

// Deps 是路由需要的全部依赖，由 cmd/server 组装。
type Deps struct {
	Config     config.Config
	Sessions   *service.SessionStore
	Rooms      *service.RoomRegistry
	Messages   *service.MessageService
	Moderation *service.Moderation
	Audit      *service.AuditLog
	Gateway    *ws.Gateway
	Limiter    ratelimit.Limiter
	Admin      auth.Admin
	// Throttle 为空时不做按 IP 的令牌桶限速。
	Throttle *mw.Throttle
	// Ready 用于 /healthz 检查存储连通性，可以为空。
	Ready func(ctx context.Context) error
}

// DefaultThrottle 每个 IP 每秒 20 个请求，突发 40。
func DefaultThrottle() *mw.Throttle {
	return mw.NewThrottle(rate.Every(time.Second/20), 40, 2*time.Minute)
}

// SetupRouter 统一初始化 Gin 中间件、REST API、后台 API 以及 WebSocket 端点。
func SetupRouter(d Deps) *gin.Engine {
	h := NewHandler(d)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.SecurityHeaders())
	r.Use(mw.CORS(d.Config.Env, d.Config.CORSOrigins))
	if d.Throttle != nil {
		r.Use(d.Throttle.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) {
		if d.Ready != nil {
			if err := d.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/chat/:code", d.Gateway.Handler())

	requireSession := auth.RequireSession(d.Sessions)
	limit := func(rule mw.Rule) gin.HandlerFunc { return mw.RouteLimit(d.Limiter, d.Audit, rule) }

	api := r.Group("/api")
	api.POST("/session/create", limit(mw.SessionCreateRule), h.CreateSession)
	api.GET("/session/validate", h.ValidateSession)

	api.POST("/rooms/create", limit(mw.RoomCreateRule), requireSession, h.CreateRoom)
	api.POST("/rooms/join", requireSession, h.JoinRoom)
	api.GET("/rooms/:code", h.GetRoom)
	api.GET("/rooms/:code/messages", h.RoomMessages)

	api.POST("/messages/send", limit(mw.MessageSendRule), requireSession, h.SendMessage)
	api.POST("/messages/:id/report", requireSession, h.ReportMessage)

	api.POST("/moderation/block-session", requireSession, h.BlockSession)
	api.GET("/moderation/reports", requireSession, h.Reports)

	admin := r.Group("/admin/api")
	admin.POST("/login", h.AdminLogin)

	authed := admin.Group("")
	authed.Use(auth.AdminMiddleware(d.Config.JWTSecret))
	authed.GET("/dashboard", h.Dashboard)
	authed.GET("/audit", h.AuditLog)
	authed.POST("/sessions/:token/ban", h.BanSession)
	authed.POST("/sessions/:token/unban", h.UnbanSession)
	authed.POST("/rooms/:code/activate", h.setRoomActive(true))
	authed.POST("/rooms/:code/deactivate", h.setRoomActive(false))
	authed.POST("/rooms/:code/purge", h.PurgeRoom)
	authed.POST("/messages/:id/delete", h.messageAction(h.DeleteMessage))
	authed.POST("/messages/:id/restore", h.messageAction(h.RestoreMessage))
	authed.POST("/messages/:id/clear-reports", h.messageAction(h.ClearReports))

	return r
}
