// Package reconcile 维护每个连接的权威碰撞盒，并对客户端上报的位置做碰撞修正。
package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sasha-s/go-deadlock"

	"journeycore/collision"
	"journeycore/protocol"
)

var (
	ErrUnknownConnection = errors.New("reconcile: connection not tracked")
	ErrAlreadyTracked    = errors.New("reconcile: connection already tracked")
)

// CorrectionEvent 服务端修正后的位置，推回给发起的客户端
type CorrectionEvent struct {
	ConnectionID string           `json:"connection_id"`
	Position     protocol.Vector2 `json:"position"`
}

// entity 单个连接的权威碰撞盒；锁只保护 quad，不跨越加密或网络 I/O
type entity struct {
	mu   deadlock.Mutex
	quad collision.Quad
}

// Engine 状态协调引擎：connectionID → 独立加锁的碰撞盒
type Engine struct {
	colliders []collision.Quad // 启动后只读，已按 ID 排序

	mu       sync.RWMutex
	entities map[string]*entity
}

func NewEngine(colliders []collision.Quad) *Engine {
	cs := make([]collision.Quad, len(colliders))
	copy(cs, colliders)
	collision.SortByID(cs)
	return &Engine{colliders: cs, entities: make(map[string]*entity)}
}

// Track 注册时为连接创建碰撞盒
func (e *Engine) Track(connectionID string, q collision.Quad) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entities[connectionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, connectionID)
	}
	e.entities[connectionID] = &entity{quad: q}
	return nil
}

func (e *Engine) Release(connectionID string) {
	e.mu.Lock()
	delete(e.entities, connectionID)
	e.mu.Unlock()
}

func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entities)
}

func (e *Engine) lookup(connectionID string) (*entity, error) {
	e.mu.RLock()
	ent, ok := e.entities[connectionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return ent, nil
}

// Quad 返回当前碰撞盒的快照
func (e *Engine) Quad(connectionID string) (collision.Quad, error) {
	ent, err := e.lookup(connectionID)
	if err != nil {
		return collision.Quad{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.quad, nil
}

// ApplyPositions 按到达顺序处理位置；每个位置的 设置→检测→位移 是一个临界区。
// 只有发生位移的输入才产生修正事件。
func (e *Engine) ApplyPositions(connectionID string, positions []protocol.Vector2) ([]CorrectionEvent, error) {
	ent, err := e.lookup(connectionID)
	if err != nil {
		return nil, err
	}
	var events []CorrectionEvent
	for _, p := range positions {
		if pos, adjusted := e.applyOne(ent, p); adjusted {
			events = append(events, CorrectionEvent{ConnectionID: connectionID, Position: pos})
		}
	}
	return events, nil
}

func (e *Engine) applyOne(ent *entity, p protocol.Vector2) (protocol.Vector2, bool) {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.quad.Position = p
	q, displacements := collision.Resolve(ent.quad, e.colliders)
	ent.quad = q
	return q.Position, len(displacements) > 0
}

// ApplyRotations 一个 tick 内只取最后一个朝向；朝向不参与碰撞检测
func (e *Engine) ApplyRotations(connectionID string, rotations []float64) error {
	ent, err := e.lookup(connectionID)
	if err != nil {
		return err
	}
	if len(rotations) == 0 {
		return nil
	}
	last := rotations[len(rotations)-1]
	ent.mu.Lock()
	ent.quad.Rotation = last
	ent.mu.Unlock()
	return nil
}
