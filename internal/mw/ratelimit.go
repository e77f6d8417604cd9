package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/ratelimit"
	"roomchat/internal/service"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// Throttle 是按客户端 IP 的令牌桶，挡住所有路由上的突发洪泛。
// 业务级的固定窗口限额见 RouteLimit。
type Throttle struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

func NewThrottle(r rate.Limit, burst int, ttl time.Duration) *Throttle {
	t := &Throttle{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
	go t.gc()
	return t
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	kl, ok := t.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(t.r, t.b)
	t.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

func (t *Throttle) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Throttle) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.m {
		if now.Sub(v.ts) > t.ttl {
			delete(t.m, k)
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.get(c.ClientIP()).Allow() {
			metrics.RateLimitedTotal.WithLabelValues("throttle").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// Rule 是按 IP+路由计数的固定窗口限额。
type Rule struct {
	Limit  int
	Window time.Duration
}

var (
	SessionCreateRule = Rule{Limit: 5, Window: time.Hour}
	RoomCreateRule    = Rule{Limit: 3, Window: time.Hour}
	MessageSendRule   = Rule{Limit: 10, Window: time.Minute}
)

// RouteLimit 对单个路由套用固定窗口限额，超限时记录 rate_limited 审计并返回 429。
// 计数后端故障时放行。
func RouteLimit(l ratelimit.Limiter, audit *service.AuditLog, rule Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ok, err := l.Allow(c.Request.Context(), ratelimit.Key(ip, path), rule.Limit, rule.Window)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("route limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues("http").Inc()
			_ = audit.Record(c.Request.Context(), service.Entry{
				Kind:      models.AuditRateLimited,
				IPAddress: ip,
				Details: map[string]any{
					"path":   c.Request.URL.Path,
					"limit":  rule.Limit,
					"window": int(rule.Window.Seconds()),
				},
			})
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded. Please try again later."})
			return
		}
		c.Next()
	}
}
