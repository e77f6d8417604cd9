// Package ws 是实时网关：WebSocket 连接的握手、收发与房间总线订阅。
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"roomchat/internal/bus"
	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/ratelimit"
	"roomchat/internal/service"
)

const (
	sendAction       = "send-message"
	shutdownParallel = 32
)

// Config 是网关的时间与限流参数。
type Config struct {
	SendLimit      int
	SendWindow     time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		SendLimit:      10,
		SendWindow:     time.Minute,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 16 << 10,
	}
}

// Gateway 持有所有在线连接，服务于 /ws/chat/:code。
type Gateway struct {
	sessions *service.SessionStore
	rooms    *service.RoomRegistry
	messages *service.MessageService
	audit    *service.AuditLog
	limiter  ratelimit.Limiter
	bus      bus.Bus
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func New(sessions *service.SessionStore, rooms *service.RoomRegistry, messages *service.MessageService,
	audit *service.AuditLog, limiter ratelimit.Limiter, b bus.Bus, cfg Config) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		sessions: sessions,
		rooms:    rooms,
		messages: messages,
		audit:    audit,
		limiter:  limiter,
		bus:      b,
		cfg:      cfg,
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler 先完成升级再做认证，认证失败时发送空的关闭帧。
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.ctx.Err() != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}
		token := c.Query("token")
		if token == "" {
			token = c.GetHeader("X-Session-Token")
		}
		code := c.Param("code")

		wsConn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Str("room", code).Msg("ws upgrade failed")
			return
		}
		conn := newConn(g, wsConn, c.ClientIP())
		defer conn.close()

		if !conn.authenticate(token, code) {
			metrics.WsHandshakeRejected.Inc()
			return
		}
		if err := conn.join(); err != nil {
			log.Warn().Err(err).Str("room", code).Msg("ws join failed")
			return
		}
		conn.run()
	}
}

// AllowSend 检查会话的发言频率，REST 与 WebSocket 共用同一个计数 key。
// 被拒绝时记录 rate_limited 审计。限流后端故障时放行。
func (g *Gateway) AllowSend(ctx context.Context, sess *models.Session, room *models.Room, origin, source string) bool {
	ok, err := g.limiter.Allow(ctx, ratelimit.Key(sess.Token, sendAction), g.cfg.SendLimit, g.cfg.SendWindow)
	if err != nil {
		log.Error().Err(err).Uint("session_id", sess.ID).Msg("rate limiter unavailable")
		return true
	}
	if ok {
		return true
	}
	metrics.RateLimitedTotal.WithLabelValues(source).Inc()
	var roomID uint
	if room != nil {
		roomID = room.ID
	}
	_ = g.audit.Record(ctx, service.Entry{
		Kind:      models.AuditRateLimited,
		SessionID: sess.ID,
		RoomID:    roomID,
		IPAddress: origin,
		Details:   map[string]any{"source": source},
	})
	return false
}

// auditBanEnforced 在会话校验失败后判断原因是否为封禁，是则记录 session_banned 审计。
// 过期或不存在的会话不记录。
func (g *Gateway) auditBanEnforced(ctx context.Context, token, code string, roomID uint, origin, stage string) {
	if token == "" {
		return
	}
	sess, err := g.sessions.ByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			log.Error().Err(err).Msg("ws load session for ban audit")
		}
		return
	}
	banned, err := g.sessions.EffectivelyBanned(ctx, sess)
	if err != nil {
		log.Error().Err(err).Uint("session_id", sess.ID).Msg("ws check ban")
		return
	}
	if !banned {
		return
	}
	_ = g.audit.Record(ctx, service.Entry{
		Kind:      models.AuditSessionBanned,
		SessionID: sess.ID,
		RoomID:    roomID,
		IPAddress: origin,
		Details: map[string]any{
			"enforced":  true,
			"stage":     stage,
			"room_code": service.NormalizeCode(code),
			"source":    "websocket",
		},
	})
}

// Online 返回房间在本节点的在线连接数。
func (g *Gateway) Online(code string) int {
	return g.hub.Online(service.NormalizeCode(code))
}

// Disconnect 断开本节点上属于该会话的所有连接，返回断开数量。
func (g *Gateway) Disconnect(token string) int {
	conns := g.hub.collect(func(c *Conn) bool { return c.token == token })
	for _, c := range conns {
		c.close()
	}
	return len(conns)
}

// Shutdown 拒绝新连接并关闭所有在线连接。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	conns := g.hub.collect(nil)
	eg := new(errgroup.Group)
	eg.SetLimit(shutdownParallel)
	for _, c := range conns {
		c := c
		eg.Go(func() error {
			c.close()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()
	select {
	case err := <-done:
		log.Info().Int("connections", len(conns)).Msg("gateway closed")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
