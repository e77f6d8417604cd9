// Package ratelimit 实现固定窗口计数限流：窗口内第一次命中计数为 1 并设置过期，
// 之后累加，达到上限后拒绝且不再累加。
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Limiter 以 key 为粒度的固定窗口计数器，key 由调用方拼出（主体 + 动作 [+ 路由]）。
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Key 拼接限流 key，例如 Key(token, "send-message")。
func Key(parts ...string) string {
	return "ratelimit:" + strings.Join(parts, ":")
}
