package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of joined websocket connections",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages accepted",
	})
	WsHandshakeRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_handshake_rejected_total",
		Help: "Websocket handshakes closed before joining a room",
	})
	WsSlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_slow_consumers_total",
		Help: "Connections closed because their send queue was full",
	})
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Requests denied by a rate limiter",
	}, []string{"source"})
	BusPublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_bus_publish_errors_total",
		Help: "Broadcast bus publish failures by event type",
	}, []string{"type"})
	MessagesPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_purged_total",
		Help: "Messages soft-deleted by retention purges",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		WsMessagesTotal,
		WsHandshakeRejected,
		WsSlowConsumers,
		RateLimitedTotal,
		BusPublishErrors,
		MessagesPurgedTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
