package bus

import (
	"context"
	"sync"
)

// Memory 是单节点的进程内实现。每个 topic 独立加锁，扇出期间持有 topic 锁，
// 因此所有订阅者观察到相同的相对顺序，不同 topic 之间互不阻塞。
type Memory struct {
	mu     sync.RWMutex
	topics map[string]*memTopic
	buffer int
	closed bool
}

type memTopic struct {
	mu   sync.Mutex
	subs map[*memSub]struct{}
}

type memSub struct {
	bus    *Memory
	name   string
	t      *memTopic
	ch     chan []byte
	closed bool // 受 t.mu 保护
	stop   func() bool // 受 t.mu 保护
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{topics: make(map[string]*memTopic), buffer: buffer}
}

func (b *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	t := b.topics[topic]
	b.mu.RUnlock()
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		select {
		case s.ch <- payload:
		default:
			// 慢消费者：撤销订阅而不是阻塞整个 topic 或打乱顺序。
			delete(t.subs, s)
			s.closed = true
			close(s.ch)
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	t := b.topics[topic]
	if t == nil {
		t = &memTopic{subs: make(map[*memSub]struct{})}
		b.topics[topic] = t
	}
	s := &memSub{bus: b, name: topic, t: t, ch: make(chan []byte, b.buffer)}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	t.mu.Unlock()
	b.mu.Unlock()
	return s, nil
}

// Subscribers 返回 topic 当前订阅数。
func (b *Memory) Subscribers(topic string) int {
	b.mu.RLock()
	t := b.topics[topic]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for name, t := range b.topics {
		t.mu.Lock()
		for s := range t.subs {
			delete(t.subs, s)
			s.closed = true
			close(s.ch)
		}
		t.mu.Unlock()
		delete(b.topics, name)
	}
	return nil
}

func (s *memSub) C() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	b := s.bus
	b.mu.Lock()
	s.t.mu.Lock()
	delete(s.t.subs, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	if len(s.t.subs) == 0 && b.topics[s.name] == s.t {
		delete(b.topics, s.name)
	}
	stop := s.stop
	s.t.mu.Unlock()
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}
