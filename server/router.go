package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"journeycore/protocol"
	"journeycore/reconcile"
	"journeycore/secure"
	"journeycore/world"
)

var (
	ErrNotReady   = errors.New("server: world not loaded")
	ErrBadRequest = errors.New("server: bad request")
)

// Router 请求路由：把具名请求分发到世界仓库与状态协调引擎，所有响应经安全信封加密
type Router struct {
	keys    *secure.Keyring
	codec   *secure.Codec
	store   *world.Store
	engine  *reconcile.Engine
	metrics *ServerMetrics

	mapName string
	spawn   PlayerConfig
	scale   float64

	ready atomic.Bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRouter 必须在世界仓库加载完成后构造；MarkReady 之前拒绝所有请求
func NewRouter(store *world.Store, cfg Config) (*Router, error) {
	mapName, ok := store.DefaultMap()
	if !ok {
		return nil, errors.New("server: world has no maps")
	}
	colliders, err := store.Colliders(mapName)
	if err != nil {
		return nil, err
	}
	keys := secure.NewKeyring()
	return &Router{
		keys:     keys,
		codec:    secure.NewCodec(keys),
		store:    store,
		engine:   reconcile.NewEngine(colliders),
		metrics:  &ServerMetrics{},
		mapName:  mapName,
		spawn:    cfg.Player,
		scale:    cfg.Assets.Scale,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(cfg.RateLimit.RequestsPerSecond),
		burst:    cfg.RateLimit.Burst,
	}, nil
}

func (r *Router) MarkReady()              { r.ready.Store(true) }
func (r *Router) Ready() bool             { return r.ready.Load() }
func (r *Router) Metrics() *ServerMetrics { return r.metrics }
func (r *Router) Keys() *secure.Keyring   { return r.keys }
func (r *Router) MapName() string         { return r.mapName }

// Register 为连接建立密钥上下文与权威碰撞盒
func (r *Router) Register(connectionID string, clientPublicKey []byte) (protocol.Welcome, error) {
	if !r.Ready() {
		return protocol.Welcome{}, ErrNotReady
	}
	serverPub, iv, err := r.keys.Register(connectionID, clientPublicKey)
	if err != nil {
		if errors.Is(err, secure.ErrDuplicateConnection) {
			r.metrics.IncDuplicateRejected()
		}
		return protocol.Welcome{}, err
	}
	if err := r.engine.Track(connectionID, playerTemplate(r.store, r.mapName, r.spawn, r.scale)); err != nil {
		r.keys.Release(connectionID)
		return protocol.Welcome{}, err
	}

	r.mu.Lock()
	r.limiters[connectionID] = rate.NewLimiter(r.limit, r.burst)
	r.mu.Unlock()

	r.metrics.IncRegistered()
	return protocol.Welcome{ConnectionID: connectionID, ServerPublicKey: serverPub, IV: iv}, nil
}

// Disconnect 释放连接的全部状态
func (r *Router) Disconnect(connectionID string) {
	r.keys.Release(connectionID)
	r.engine.Release(connectionID)
	r.mu.Lock()
	delete(r.limiters, connectionID)
	r.mu.Unlock()
	r.metrics.IncDisconnected()
}

// Shutdown 停机时释放残留的密钥上下文
func (r *Router) Shutdown() int {
	r.ready.Store(false)
	return r.keys.ReleaseAll()
}

// SetRateLimit 热更新限流参数，已有连接同时生效
func (r *Router) SetRateLimit(rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = rate.Limit(rps)
	r.burst = burst
	for _, l := range r.limiters {
		l.SetLimit(r.limit)
		l.SetBurst(burst)
	}
}

func (r *Router) RateLimit() (float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.limit), r.burst
}

func (r *Router) allow(connectionID string) bool {
	r.mu.Lock()
	l, ok := r.limiters[connectionID]
	r.mu.Unlock()
	return !ok || l.Allow()
}

// Dispatch 处理一个具名请求。查询失败（not_found、out_of_range 等）与成功结果同形，
// 以加密的 {"err":...} 返回；只有无法构造信封时（未知连接、请求字段解密失败）才返回 error。
func (r *Router) Dispatch(ctx context.Context, req protocol.Request) (protocol.Envelope, error) {
	if !r.Ready() {
		return protocol.Envelope{}, ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return protocol.Envelope{}, err
	}
	if _, err := r.keys.Lookup(req.ConnectionID); err != nil {
		return protocol.Envelope{}, err
	}
	start := time.Now()

	c := &call{Request: req}
	var res protocol.Result
	if !r.allow(req.ConnectionID) {
		r.metrics.IncRateLimited()
		res = protocol.Fail(protocol.KindRateLimited, "slow down")
	} else {
		var err error
		res, err = r.resolve(c)
		if err != nil {
			if errors.Is(err, secure.ErrDecryption) || errors.Is(err, secure.ErrInvalidPublicKey) {
				r.metrics.IncDecryptFailures()
			}
			return protocol.Envelope{}, err
		}
	}

	b, err := json.Marshal(res)
	if err != nil {
		return protocol.Envelope{}, err
	}
	// 字段已用请求自带公钥解开时，回复面向该公钥
	var env protocol.Envelope
	if c.proven {
		env, err = r.codec.EncryptTo(req.ConnectionID, req.RemotePublicKey, b)
	} else {
		env, err = r.codec.Encrypt(req.ConnectionID, b)
	}
	if err != nil {
		return protocol.Envelope{}, err
	}
	r.metrics.AddDispatch(time.Since(start).Nanoseconds())
	return env, nil
}

// call 单次分发的请求；proven 表示至少一个字段已用 RemotePublicKey 解密成功
type call struct {
	protocol.Request
	proven bool
}

// resolve 解密请求字段并查询；查询错误与缺失字段转成结果，字段解密错误原样返回
func (r *Router) resolve(req *call) (protocol.Result, error) {
	res, err := r.lookup(req)
	if errors.Is(err, ErrBadRequest) {
		return protocol.Fail(protocol.KindBadRequest, err.Error()), nil
	}
	return res, err
}

func (r *Router) lookup(req *call) (protocol.Result, error) {
	switch req.Kind {
	case protocol.RequestImage:
		name, err := r.field(req, protocol.FieldName)
		if err != nil {
			return protocol.Result{}, err
		}
		return r.result(r.store.Image(string(name)))
	case protocol.RequestTileSet:
		name, err := r.field(req, protocol.FieldName)
		if err != nil {
			return protocol.Result{}, err
		}
		return r.result(r.store.TileSetMetadata(string(name)))
	case protocol.RequestMapMetadata:
		name, err := r.field(req, protocol.FieldName)
		if err != nil {
			return protocol.Result{}, err
		}
		return r.result(r.store.MapMetadata(string(name)))
	case protocol.RequestChunks:
		name, err := r.field(req, protocol.FieldName)
		if err != nil {
			return protocol.Result{}, err
		}
		raw, err := r.field(req, protocol.FieldCoord)
		if err != nil {
			return protocol.Result{}, err
		}
		var coord protocol.Coord
		if err := json.Unmarshal(raw, &coord); err != nil {
			return protocol.Result{}, fmt.Errorf("%w: coord is not {x,y}", ErrBadRequest)
		}
		return r.result(r.store.Chunks(string(name), coord))
	case protocol.RequestPlayer:
		q, err := r.engine.Quad(req.ConnectionID)
		if err != nil {
			return protocol.Fail(protocol.KindUnknownConnection, err.Error()), nil
		}
		return r.result(playerState(req.ConnectionID, q, r.spawn), nil)
	default:
		return protocol.Result{}, fmt.Errorf("%w: unknown request kind %q", ErrBadRequest, req.Kind)
	}
}

// field 解密单个请求字段
func (r *Router) field(req *call, name string) ([]byte, error) {
	v, ok := req.Fields[name]
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: missing field %s", ErrBadRequest, name)
	}
	b, err := r.codec.DecryptField(req.ConnectionID, req.RemotePublicKey, v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	req.proven = true
	return b, nil
}

// result 将查询结果或错误统一为 Result
func (r *Router) result(v any, err error) (protocol.Result, error) {
	if err == nil {
		return protocol.OK(v)
	}
	var oor *world.OutOfRangeError
	switch {
	case errors.As(err, &oor):
		r.metrics.IncOutOfRange()
		return protocol.FailAt(protocol.KindOutOfRange, err.Error(), oor.Coord), nil
	case errors.Is(err, world.ErrNotFound):
		r.metrics.IncNotFound()
		return protocol.Fail(protocol.KindNotFound, err.Error()), nil
	default:
		Log.Errorf("dispatch: %v", err)
		return protocol.Fail(protocol.KindInternal, "internal error"), nil
	}
}

// SubmitPositions 对一个 tick 的位置批次做碰撞修正，返回需要推回客户端的修正事件
func (r *Router) SubmitPositions(connectionID string, positions []protocol.Vector2) ([]reconcile.CorrectionEvent, error) {
	if !r.Ready() {
		return nil, ErrNotReady
	}
	events, err := r.engine.ApplyPositions(connectionID, positions)
	if err != nil {
		return nil, err
	}
	r.metrics.AddPositions(len(positions))
	r.metrics.AddCorrections(len(events))
	return events, nil
}

func (r *Router) SubmitRotations(connectionID string, rotations []float64) error {
	if !r.Ready() {
		return ErrNotReady
	}
	return r.engine.ApplyRotations(connectionID, rotations)
}

// KindOf 将无法封装为信封的错误映射为协议错误类型
func KindOf(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, ErrNotReady):
		return protocol.KindNotReady
	case errors.Is(err, secure.ErrDuplicateConnection), errors.Is(err, reconcile.ErrAlreadyTracked):
		return protocol.KindDuplicateConnection
	case errors.Is(err, secure.ErrUnknownConnection), errors.Is(err, reconcile.ErrUnknownConnection):
		return protocol.KindUnknownConnection
	case errors.Is(err, secure.ErrDecryption), errors.Is(err, secure.ErrInvalidPublicKey):
		return protocol.KindDecryptionFailure
	case errors.Is(err, ErrBadRequest):
		return protocol.KindBadRequest
	default:
		return protocol.KindInternal
	}
}
