package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"journeycore/protocol"
	"journeycore/secure"
	"journeycore/world"
)

var ErrClosed = errors.New("client: connection closed")

// Options 连接参数；零值可用
type Options struct {
	Log          *zap.SugaredLogger
	Dialer       *websocket.Dialer
	OnCorrection func(protocol.Vector2) // 在读协程中调用，需尽快返回
}

type reply struct {
	env protocol.Envelope
	err error
}

// Conn 客户端连接：负责密钥协商、请求字段加密、响应解密与修正事件分发
type Conn struct {
	ws  *websocket.Conn
	sec *secure.Context
	id  string
	log *zap.SugaredLogger

	onCorrection func(protocol.Vector2)

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial 建立 WebSocket 连接并完成 register/welcome 握手
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	sec, err := secure.NewContext()
	if err != nil {
		return nil, err
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:           ws,
		sec:          sec,
		log:          opts.Log,
		onCorrection: opts.OnCorrection,
		pending:      make(map[uint64]chan reply),
		done:         make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if err := c.writeJSON(protocol.RegisterFrame{Type: protocol.TypeRegister, PublicKey: c.sec.PublicKey()}); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	}
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeFrame
		if err := json.Unmarshal(msg, &w); err != nil {
			return err
		}
		if err := c.sec.Bind(w.ServerPublicKey, w.IV); err != nil {
			return err
		}
		c.id = w.ConnectionID
		return nil
	case protocol.TypeError:
		var f protocol.ErrorFrame
		_ = json.Unmarshal(msg, &f)
		return &protocol.RemoteError{Kind: f.Kind, Detail: f.Detail}
	default:
		return fmt.Errorf("client: unexpected %q frame during handshake", base.Type)
	}
}

func (c *Conn) ID() string { return c.id }

// Done 连接断开后关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 连接断开的原因
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			c.log.Warnf("undecodable frame: %v", err)
			continue
		}
		switch base.Type {
		case protocol.TypeResponse:
			var f protocol.ResponseFrame
			if err := json.Unmarshal(msg, &f); err != nil {
				c.log.Warnf("response frame: %v", err)
				continue
			}
			c.deliver(f.ID, reply{env: f.Envelope})
		case protocol.TypeError:
			var f protocol.ErrorFrame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			rerr := &protocol.RemoteError{Kind: f.Kind, Detail: f.Detail}
			if f.ID == 0 {
				// 非请求类错误（位置批次等）只记录
				c.log.Warnf("server error: %v", rerr)
				continue
			}
			c.deliver(f.ID, reply{err: rerr})
		case protocol.TypeCorrection:
			var f protocol.CorrectionFrame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			if c.onCorrection != nil {
				c.onCorrection(f.Position)
			}
		default:
			c.log.Debugf("ignored %q frame", base.Type)
		}
	}
}

func (c *Conn) deliver(id uint64, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("reply for unknown request %d", id)
		return
	}
	ch <- r
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = make(map[uint64]chan reply)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- reply{err: ErrClosed}
		}
		close(c.done)
	})
}

// Close 主动断开
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// request 加密字段后发送请求，等待响应信封并解出结果
func (c *Conn) request(ctx context.Context, kind protocol.RequestKind, fields map[string][]byte, out any) error {
	enc := make(map[string]string, len(fields))
	for name, v := range fields {
		s, err := c.sec.SealField(v)
		if err != nil {
			return err
		}
		enc[name] = s
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	frame := protocol.RequestFrame{
		Type:      protocol.TypeRequest,
		ID:        id,
		Kind:      kind,
		PublicKey: c.sec.PublicKey(),
		Fields:    enc,
	}
	if err := c.writeJSON(frame); err != nil {
		c.forget(id)
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		plain, err := c.sec.Open(r.env.PublicKey, r.env.Ciphertext)
		if err != nil {
			return err
		}
		var res protocol.Result
		if err := json.Unmarshal(plain, &res); err != nil {
			return fmt.Errorf("client: decode result: %w", err)
		}
		return res.Decode(out)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) Image(ctx context.Context, name string) ([]byte, error) {
	var b []byte
	err := c.request(ctx, protocol.RequestImage, map[string][]byte{protocol.FieldName: []byte(name)}, &b)
	return b, err
}

func (c *Conn) TileSetMetadata(ctx context.Context, name string) (world.TileSetMetadata, error) {
	var ts world.TileSetMetadata
	err := c.request(ctx, protocol.RequestTileSet, map[string][]byte{protocol.FieldName: []byte(name)}, &ts)
	return ts, err
}

func (c *Conn) MapMetadata(ctx context.Context, name string) (world.MapMetadata, error) {
	var md world.MapMetadata
	err := c.request(ctx, protocol.RequestMapMetadata, map[string][]byte{protocol.FieldName: []byte(name)}, &md)
	return md, err
}

// Chunks 请求某坐标下每个图层各一个区块
func (c *Conn) Chunks(ctx context.Context, mapName string, coord protocol.Coord) ([]world.Chunk, error) {
	raw, err := json.Marshal(coord)
	if err != nil {
		return nil, err
	}
	var chunks []world.Chunk
	err = c.request(ctx, protocol.RequestChunks, map[string][]byte{
		protocol.FieldName:  []byte(mapName),
		protocol.FieldCoord: raw,
	}, &chunks)
	return chunks, err
}

func (c *Conn) Player(ctx context.Context) (protocol.PlayerState, error) {
	var p protocol.PlayerState
	err := c.request(ctx, protocol.RequestPlayer, nil, &p)
	return p, err
}

// SubmitPositions 发送一个 tick 的位置批次，不等待修正
func (c *Conn) SubmitPositions(positions []protocol.Vector2) error {
	return c.writeJSON(protocol.PositionsFrame{Type: protocol.TypePositions, Positions: positions})
}

func (c *Conn) SubmitRotations(rotations []float64) error {
	return c.writeJSON(protocol.RotationsFrame{Type: protocol.TypeRotations, Rotations: rotations})
}

// Send 拆分并发送一批增量；空序列不发送
func (c *Conn) Send(batch []StateUpdate) error {
	positions, rotations := Split(batch)
	if len(positions) > 0 {
		if err := c.SubmitPositions(positions); err != nil {
			return err
		}
	}
	if len(rotations) > 0 {
		if err := c.SubmitRotations(rotations); err != nil {
			return err
		}
	}
	return nil
}
