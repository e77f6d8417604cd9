package ws

import "sync"

// Hub 是本节点的在线连接索引：房间码 -> 连接集合。
// 外层锁只在增删房间条目时写锁，房间内的集合各自加锁。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*roomConns
}

type roomConns struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*roomConns)} }

func (h *Hub) add(code string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc := h.rooms[code]
	if rc == nil {
		rc = &roomConns{conns: make(map[*Conn]struct{})}
		h.rooms[code] = rc
	}
	rc.mu.Lock()
	rc.conns[c] = struct{}{}
	rc.mu.Unlock()
}

// remove 删除连接，房间空了就把条目一起删掉。
func (h *Hub) remove(code string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc := h.rooms[code]
	if rc == nil {
		return
	}
	rc.mu.Lock()
	delete(rc.conns, c)
	empty := len(rc.conns) == 0
	rc.mu.Unlock()
	if empty {
		delete(h.rooms, code)
	}
}

// Online 返回房间在本节点的在线连接数。
func (h *Hub) Online(code string) int {
	h.mu.RLock()
	rc := h.rooms[code]
	h.mu.RUnlock()
	if rc == nil {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.conns)
}

// Rooms 返回本节点有在线连接的房间数。
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// collect 返回满足条件的连接快照，调用方在锁外处理。
func (h *Hub) collect(match func(*Conn) bool) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Conn
	for _, rc := range h.rooms {
		rc.mu.Lock()
		for c := range rc.conns {
			if match == nil || match(c) {
				out = append(out, c)
			}
		}
		rc.mu.Unlock()
	}
	return out
}
