package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS 基于 core NATS 的 subject 订阅。同一连接上发布的消息对每个订阅者保持顺序。
type NATS struct {
	nc     *nats.Conn
	buffer int

	mu     sync.Mutex
	closed bool
	subs   map[*natsSub]struct{}
}

type natsSub struct {
	owner *NATS
	sub   *nats.Subscription
	out   chan []byte

	mu     sync.Mutex
	closed bool
	stop   func() bool
}

func NewNATS(nc *nats.Conn, buffer int) *NATS {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &NATS{nc: nc, buffer: buffer, subs: make(map[*natsSub]struct{})}
}

func (b *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATS) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &natsSub{owner: b, out: make(chan []byte, b.buffer)}
	sub, err := b.nc.Subscribe(topic, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	// 等服务端确认 SUB，之后发布的消息一定能投递到该订阅。
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()
	b.subs[s] = struct{}{}
	return s, nil
}

func (s *natsSub) deliver(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- m.Data:
	default:
		s.closed = true
		close(s.out)
		if s.sub != nil {
			// 回调内不能同步等待，退订交给独立 goroutine。
			go s.Close()
		}
	}
}

func (s *natsSub) C() <-chan []byte { return s.out }

func (s *natsSub) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	sub, stop := s.sub, s.stop
	s.sub = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}

// Close 退订所有仍存活的订阅，不关闭底层连接。
func (b *NATS) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*natsSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
