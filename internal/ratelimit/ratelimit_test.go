package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestMemory(start time.Time) (*Memory, *fakeClock) {
	clk := &fakeClock{t: start}
	l := NewMemory()
	l.now = clk.Now
	return l, clk
}

func TestMemory_FixedWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l, clk := newTestMemory(start)
	ctx := context.Background()
	key := Key("token", "send-message")

	// Sends 1-10 within the first 5 seconds.
	for i := 0; i < 10; i++ {
		clk.Set(start.Add(time.Duration(i) * 500 * time.Millisecond))
		ok, err := l.Allow(ctx, key, 10, time.Minute)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("send %d denied, want allowed", i+1)
		}
	}

	clk.Set(start.Add(6 * time.Second))
	if ok, _ := l.Allow(ctx, key, 10, time.Minute); ok {
		t.Fatal("send 11 at second 6 allowed, want denied")
	}

	clk.Set(start.Add(61 * time.Second))
	if ok, _ := l.Allow(ctx, key, 10, time.Minute); !ok {
		t.Fatal("send at second 61 denied, want allowed")
	}
}

func TestMemory_SaturatesWithoutIncrementing(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestMemory(start)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, _ = l.Allow(ctx, "k", 3, time.Minute)
	}
	sh := l.shardFor("k")
	sh.mu.Lock()
	got := sh.m["k"].count
	sh.mu.Unlock()
	if got != 3 {
		t.Errorf("counter = %d, want 3", got)
	}
}

func TestMemory_IndependentKeys(t *testing.T) {
	l, _ := newTestMemory(time.Now())
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, Key("a", "send-message"), 1, time.Minute); !ok {
		t.Fatal("first hit on key a denied")
	}
	if ok, _ := l.Allow(ctx, Key("a", "send-message"), 1, time.Minute); ok {
		t.Fatal("second hit on key a allowed")
	}
	if ok, _ := l.Allow(ctx, Key("b", "send-message"), 1, time.Minute); !ok {
		t.Fatal("first hit on key b denied")
	}
	if ok, _ := l.Allow(ctx, Key("a", "create-room"), 1, time.Minute); !ok {
		t.Fatal("different action on key a denied")
	}
}

func TestMemory_ConcurrentIncrementsAreNotLost(t *testing.T) {
	l, _ := newTestMemory(time.Now())
	ctx := context.Background()

	const workers, perWorker, limit = 20, 50, 600
	var allowed int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if ok, _ := l.Allow(ctx, "shared", limit, time.Minute); ok {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
}

func TestMemory_SweepRemovesExpired(t *testing.T) {
	start := time.Now()
	l, clk := newTestMemory(start)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "short", 5, time.Second)
	_, _ = l.Allow(ctx, "long", 5, time.Hour)
	clk.Set(start.Add(2 * time.Second))
	l.sweep()

	if got := l.size(); got != 1 {
		t.Errorf("size after sweep = %d, want 1", got)
	}
}

func TestMemory_StopIsIdempotent(t *testing.T) {
	l := NewMemory()
	done := make(chan struct{})
	go func() {
		l.Run(context.Background(), time.Hour)
		close(done)
	}()
	l.Stop()
	l.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRedis_FixedWindow(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	key := Key("test", "redis-window", time.Now().Format(time.RFC3339Nano))
	defer client.Del(ctx, key)

	l := NewRedis(client)
	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, key, 5, time.Minute)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, key, 5, time.Minute); ok {
		t.Fatal("6th request allowed, want denied")
	}
	if n, _ := client.Get(ctx, key).Int(); n != 5 {
		t.Errorf("counter = %d, want saturated at 5", n)
	}
	if ttl := client.PTTL(ctx, key).Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want within (0, 1m]", ttl)
	}
}
