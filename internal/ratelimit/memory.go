package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type counter struct {
	count   int
	expires time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[string]*counter
}

// Memory 是进程内实现。按 key 哈希分片加锁，同一 key 的增量不会丢失，
// 不同分片之间互不阻塞。
type Memory struct {
	shards [shardCount]shard
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

func NewMemory() *Memory {
	l := &Memory{now: time.Now, stop: make(chan struct{})}
	for i := range l.shards {
		l.shards[i].m = make(map[string]*counter)
	}
	return l
}

func (l *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := l.now()
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.m[key]
	if !ok || !now.Before(c.expires) {
		sh.m[key] = &counter{count: 1, expires: now.Add(window)}
		return limit > 0, nil
	}
	if c.count >= limit {
		return false, nil
	}
	c.count++
	return true, nil
}

// Run 周期性清理过期窗口，直到 ctx 结束或调用 Stop。
func (l *Memory) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Memory) sweep() {
	now := l.now()
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k, c := range sh.m {
			if !now.Before(c.expires) {
				delete(sh.m, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Stop 停止清理 goroutine，用于优雅停服。
func (l *Memory) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// size 返回当前保存的窗口数，仅测试使用。
func (l *Memory) size() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].m)
		l.shards[i].mu.Unlock()
	}
	return n
}
