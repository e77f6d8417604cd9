package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func recv(t *testing.T, s Subscription) []byte {
	t.Helper()
	select {
	case p, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func expectNothing(t *testing.T, s Subscription) {
	t.Helper()
	select {
	case p, ok := <-s.C():
		if ok {
			t.Fatalf("unexpected message %q", p)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// 所有实现共用的行为测试。
func exerciseBus(t *testing.T, b Bus, topic string) {
	ctx := context.Background()

	t.Run("same order for every subscriber", func(t *testing.T) {
		a, err := b.Subscribe(ctx, topic+"-order")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		defer a.Close()
		c, err := b.Subscribe(ctx, topic+"-order")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		defer c.Close()

		for i := 0; i < 20; i++ {
			if err := b.Publish(ctx, topic+"-order", []byte(fmt.Sprint(i))); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
		}
		for i := 0; i < 20; i++ {
			want := fmt.Sprint(i)
			if got := string(recv(t, a)); got != want {
				t.Fatalf("subscriber a got %q, want %q", got, want)
			}
			if got := string(recv(t, c)); got != want {
				t.Fatalf("subscriber c got %q, want %q", got, want)
			}
		}
	})

	t.Run("late subscriber misses earlier messages", func(t *testing.T) {
		early, err := b.Subscribe(ctx, topic+"-late")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		defer early.Close()
		_ = b.Publish(ctx, topic+"-late", []byte("before"))
		recv(t, early)

		late, err := b.Subscribe(ctx, topic+"-late")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		defer late.Close()
		_ = b.Publish(ctx, topic+"-late", []byte("after"))
		if got := string(recv(t, late)); got != "after" {
			t.Errorf("late subscriber got %q, want %q", got, "after")
		}
	})

	t.Run("topics are isolated", func(t *testing.T) {
		x, _ := b.Subscribe(ctx, topic+"-x")
		defer x.Close()
		_ = b.Publish(ctx, topic+"-y", []byte("other"))
		expectNothing(t, x)
	})

	t.Run("closed handle receives nothing", func(t *testing.T) {
		s, err := b.Subscribe(ctx, topic+"-closed")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		_ = b.Publish(ctx, topic+"-closed", []byte("x"))
		if _, ok := <-s.C(); ok {
			t.Error("received on a closed subscription")
		}
		_ = s.Close()
	})

	t.Run("context cancel releases handle", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		s, err := b.Subscribe(cctx, topic+"-cancel")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		cancel()
		select {
		case _, ok := <-s.C():
			if ok {
				t.Error("received a message after cancel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handle not released after context cancel")
		}
	})
}

func TestMemory(t *testing.T) {
	b := NewMemory(16)
	defer b.Close()
	exerciseBus(t, b, "room:MEM")
}

func TestMemory_SlowConsumerIsRevoked(t *testing.T) {
	b := NewMemory(2)
	defer b.Close()
	ctx := context.Background()

	slow, _ := b.Subscribe(ctx, "room:SLOW")
	fast, _ := b.Subscribe(ctx, "room:SLOW")
	defer fast.Close()

	for i := 0; i < 3; i++ {
		_ = b.Publish(ctx, "room:SLOW", []byte(fmt.Sprint(i)))
		recv(t, fast)
	}

	// 缓冲中的两条仍可读出，之后通道关闭。
	n := 0
	for range slow.C() {
		n++
	}
	if n != 2 {
		t.Errorf("slow consumer drained %d messages, want 2", n)
	}
	if got := b.Subscribers("room:SLOW"); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
}

func TestMemory_EmptyTopicIsDropped(t *testing.T) {
	b := NewMemory(4)
	ctx := context.Background()
	s, _ := b.Subscribe(ctx, "room:GONE")
	_ = s.Close()
	if got := b.Subscribers("room:GONE"); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
	b.mu.RLock()
	_, ok := b.topics["room:GONE"]
	b.mu.RUnlock()
	if ok {
		t.Error("empty topic still registered")
	}
}

func TestMemory_ClosedBus(t *testing.T) {
	b := NewMemory(4)
	ctx := context.Background()
	s, _ := b.Subscribe(ctx, "room:A")
	_ = b.Close()

	if _, ok := <-s.C(); ok {
		t.Error("subscription still open after bus Close")
	}
	if err := b.Publish(ctx, "room:A", []byte("x")); err != ErrClosed {
		t.Errorf("Publish() error = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "room:A"); err != ErrClosed {
		t.Errorf("Subscribe() error = %v, want ErrClosed", err)
	}
}

func TestRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	b := NewRedis(client, 64)
	defer b.Close()
	exerciseBus(t, b, fmt.Sprintf("room:REDIS%d", time.Now().UnixNano()))
}

func TestNATS(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skip("NATS not available, skipping integration test")
	}
	defer nc.Close()
	b := NewNATS(nc, 64)
	defer b.Close()
	exerciseBus(t, b, fmt.Sprintf("room:NATS%d", time.Now().UnixNano()))
}

func TestRoomTopic(t *testing.T) {
	if got := RoomTopic("AB12CD"); got != "room:AB12CD" {
		t.Errorf("RoomTopic() = %q", got)
	}
}
