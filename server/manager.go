package server

import "sync"

// Hub 管理所有在线连接的发送端，按 connectionID 索引
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*ClientConn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*ClientConn)}
}

func (h *Hub) Add(id string, c *ClientConn) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Get(id string) (*ClientConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll 停机时排空并关闭所有连接；读泵退出后各自完成释放
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	conns := make([]*ClientConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Drain()
	}
	return len(conns)
}
