package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"journeycore/protocol"
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewClientConn(ws *websocket.Conn, queue int) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, queue),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃），返回是否入队
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Drain 停止接收新消息并关闭发送通道；写协程写完队列后发送 close 帧并断开
func (c *ClientConn) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Close 关闭发送队列与底层连接，可重复调用
func (c *ClientConn) Close() {
	c.Drain()
	_ = c.ws.Close()
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Server WebSocket / HTTP 接入层；业务逻辑全部交给 Router
type Server struct {
	router *Router
	hub    *Hub
	cfg    SessionConfig

	sendQueue atomic.Int64
	upgrader  websocket.Upgrader

	// closing 置位后不再受理新请求；与 inflight.Add 同锁
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	dispatch func(context.Context, protocol.Request) (protocol.Envelope, error)
}

func NewServer(router *Router, hub *Hub, cfg SessionConfig) *Server {
	s := &Server{
		router: router,
		hub:    hub,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源（生产环境需严格限制）
				return true
			},
		},
	}
	s.dispatch = router.Dispatch
	s.sendQueue.Store(int64(cfg.SendQueue))
	return s
}

// HandleWS WebSocket 接入：首帧必须为 register，随后进入读循环
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.router.Ready() || s.isClosing() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("upgrade error: %v", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimitBytes)

	id, ok := s.handshake(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	client := NewClientConn(ws, int(s.sendQueue.Load()))
	client.id = id
	s.hub.Add(id, client)
	Log.Infof("connection registered: id=%s remote=%s", id, r.RemoteAddr)

	pongWait := time.Duration(s.cfg.PongWaitSec) * time.Second
	go client.writePump(pongWait * 9 / 10)
	go s.readPump(client, pongWait)
}

// handshake 读取 register 帧并注册；失败时回写 error 帧
func (s *Server) handshake(ws *websocket.Conn) (string, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.HandshakeWaitMs) * time.Millisecond))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return "", false
	}
	typ, err := protocol.ValidateFrame(msg)
	if err != nil || typ != protocol.TypeRegister {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected register"), time.Now().Add(time.Second))
		return "", false
	}
	var reg protocol.RegisterFrame
	if err := json.Unmarshal(msg, &reg); err != nil {
		return "", false
	}

	id := uuid.NewString()
	welcome, err := s.router.Register(id, reg.PublicKey)
	if err != nil {
		Log.Warnf("register failed: %v", err)
		_ = writeJSON(ws, protocol.ErrorFrame{Type: protocol.TypeError, Kind: KindOf(err), Detail: err.Error()})
		return "", false
	}
	if err := writeJSON(ws, protocol.WelcomeFrame{Type: protocol.TypeWelcome, Welcome: welcome}); err != nil {
		s.router.Disconnect(id)
		return "", false
	}
	return id, true
}

// readPump 读取客户端帧并交给 Router；退出时释放该连接的全部状态
func (s *Server) readPump(c *ClientConn, pongWait time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.Remove(c.id)
		s.router.Disconnect(c.id)
		c.Close()
		Log.Infof("connection released: id=%s", c.id)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		typ, err := protocol.ValidateFrame(payload)
		if err != nil {
			Log.Debugf("invalid frame from %s: %v", c.id, err)
			s.send(c, protocol.ErrorFrame{Type: protocol.TypeError, Kind: protocol.KindBadRequest, Detail: err.Error()})
			continue
		}
		switch typ {
		case protocol.TypeRequest:
			var f protocol.RequestFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			// 每个请求独立处理；同一连接上的请求之间不保证顺序
			if !s.begin() {
				s.send(c, protocol.ErrorFrame{Type: protocol.TypeError, ID: f.ID, Kind: protocol.KindNotReady, Detail: "server shutting down"})
				continue
			}
			go func() {
				defer s.inflight.Done()
				s.serveRequest(ctx, c, f)
			}()
		case protocol.TypePositions:
			var f protocol.PositionsFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			events, err := s.router.SubmitPositions(c.id, f.Positions)
			if err != nil {
				s.send(c, protocol.ErrorFrame{Type: protocol.TypeError, Kind: KindOf(err), Detail: err.Error()})
				continue
			}
			for _, ev := range events {
				s.send(c, protocol.CorrectionFrame{Type: protocol.TypeCorrection, Position: ev.Position})
			}
		case protocol.TypeRotations:
			var f protocol.RotationsFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				continue
			}
			if err := s.router.SubmitRotations(c.id, f.Rotations); err != nil {
				s.send(c, protocol.ErrorFrame{Type: protocol.TypeError, Kind: KindOf(err), Detail: err.Error()})
			}
		case protocol.TypeRegister:
			// 同一连接重复注册
			var f protocol.RegisterFrame
			_ = json.Unmarshal(payload, &f)
			if _, err := s.router.Register(c.id, f.PublicKey); err != nil {
				s.send(c, protocol.ErrorFrame{Type: protocol.TypeError, Kind: KindOf(err), Detail: err.Error()})
			}
		}
	}
}

func (s *Server) serveRequest(ctx context.Context, c *ClientConn, f protocol.RequestFrame) {
	env, err := s.dispatch(ctx, protocol.Request{
		Kind:            f.Kind,
		ConnectionID:    c.id,
		RemotePublicKey: f.PublicKey,
		Fields:          f.Fields,
	})
	if err != nil {
		Log.Warnf("request %d (%s) from %s rejected: %v", f.ID, f.Kind, c.id, err)
		s.send(c, protocol.ErrorFrame{Type: protocol.TypeError, ID: f.ID, Kind: KindOf(err), Detail: err.Error()})
		return
	}
	s.send(c, protocol.ResponseFrame{Type: protocol.TypeResponse, ID: f.ID, Envelope: env})
}

func (s *Server) send(c *ClientConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		Log.Errorf("marshal frame: %v", err)
		return
	}
	if !c.Enqueue(b) {
		s.router.Metrics().IncChanFullDiscarded()
	}
}

// begin 登记一个进行中的请求；停机开始后返回 false
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown 停止受理新请求，等待进行中的请求写入发送队列，
// 再排空并关闭全部连接，最后释放残留密钥上下文
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.inflight.Wait()
	n := s.hub.CloseAll()
	released := s.router.Shutdown()
	Log.Infof("sessions closed=%d contexts released=%d", n, released)
}

func writeJSON(ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}
