// Package bus 提供按 topic 的发布订阅。每个订阅者看到的同一 topic 内消息顺序与发布顺序一致，
// 跨 topic 不保证顺序。订阅句柄在 Close 或订阅时传入的 ctx 结束时释放。
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus: closed")

// DefaultBuffer 是单个订阅的缓冲长度，写满即视为慢消费者并被撤销。
const DefaultBuffer = 256

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription 的 C 在撤销后被关闭。
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// RoomTopic 返回房间对应的 topic 名称。
func RoomTopic(code string) string {
	return "room:" + code
}
