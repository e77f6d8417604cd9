package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis 基于 Redis Pub/Sub，多节点部署时所有节点的订阅者都能收到同一 topic 的消息。
// 每个订阅句柄独占一个 PubSub 连接。
type Redis struct {
	client *redis.Client
	buffer int

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
}

type redisSub struct {
	owner *Redis
	ps    *redis.PubSub
	out   chan []byte

	mu     sync.Mutex
	closed bool
	stop   func() bool
	once   sync.Once
}

func NewRedis(client *redis.Client, buffer int) *Redis {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Redis{client: client, buffer: buffer, subs: make(map[*redisSub]struct{})}
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	// 等待订阅确认，确保返回后发布的消息一定能收到。
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	s := &redisSub{owner: b, ps: ps, out: make(chan []byte, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	msgs := ps.Channel(redis.WithChannelSize(b.buffer))
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()
	go s.pump(msgs)
	return s, nil
}

func (s *redisSub) pump(msgs <-chan *redis.Message) {
	for m := range msgs {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		select {
		case s.out <- []byte(m.Payload):
			s.mu.Unlock()
		default:
			s.closed = true
			close(s.out)
			s.mu.Unlock()
			s.release()
			return
		}
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()
}

func (s *redisSub) C() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return s.release()
}

func (s *redisSub) release() error {
	var err error
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		err = s.ps.Close()
	})
	return err
}

// Close 关闭所有仍存活的订阅，不关闭底层 client。
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
