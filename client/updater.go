package client

import (
	"sync"

	"journeycore/protocol"
)

// UpdateKind 待发送增量的类型
type UpdateKind int

const (
	UpdatePosition UpdateKind = iota
	UpdateRotation
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePosition:
		return "position"
	case UpdateRotation:
		return "rotation"
	default:
		return "unknown"
	}
}

// StateUpdate 一个待发送的增量；Value 为 protocol.Vector2（位置）或 float64（角度）
type StateUpdate struct {
	Kind  UpdateKind
	Value any
}

// StateUpdater 在两个网络 tick 之间累积本地增量，每 tick 整批发送一次。
// 不做去重：同一 tick 内的多个位置增量全部保留。
type StateUpdater struct {
	mu      sync.Mutex
	pending []StateUpdate
}

func NewStateUpdater() *StateUpdater {
	return &StateUpdater{}
}

func (u *StateUpdater) Allocate(kind UpdateKind, value any) {
	u.mu.Lock()
	u.pending = append(u.pending, StateUpdate{Kind: kind, Value: value})
	u.mu.Unlock()
}

func (u *StateUpdater) AllocatePosition(p protocol.Vector2) { u.Allocate(UpdatePosition, p) }
func (u *StateUpdater) AllocateRotation(deg float64)        { u.Allocate(UpdateRotation, deg) }

// Flush 原子地取出并清空全部待发送增量，保持调用顺序
func (u *StateUpdater) Flush() []StateUpdate {
	u.mu.Lock()
	batch := u.pending
	u.pending = nil
	u.mu.Unlock()
	if batch == nil {
		return []StateUpdate{}
	}
	return batch
}

// Split 将一批增量按类型拆成位置序列与角度序列
func Split(batch []StateUpdate) (positions []protocol.Vector2, rotations []float64) {
	for _, su := range batch {
		switch v := su.Value.(type) {
		case protocol.Vector2:
			if su.Kind == UpdatePosition {
				positions = append(positions, v)
			}
		case float64:
			if su.Kind == UpdateRotation {
				rotations = append(rotations, v)
			}
		}
	}
	return positions, rotations
}
