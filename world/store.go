// Package world 是启动时加载、之后只读的世界数据仓库：图片、图块集、地图与区块。
package world

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"journeycore/collision"
	"journeycore/protocol"
)

var (
	ErrNotFound   = errors.New("world: not found")
	ErrOutOfRange = errors.New("world: coordinate out of range")
)

// NotFoundError 名称查询未命中
type NotFoundError struct {
	Kind string // image / tileset / map
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// OutOfRangeError 区块坐标超出某一图层范围，携带越界坐标
type OutOfRangeError struct {
	Map   string
	Coord protocol.Coord
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("chunk (%d,%d) out of range for map %q", e.Coord.X, e.Coord.Y, e.Map)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }

// Store 世界仓库；构造完成后不再修改，并发读无需加锁
type Store struct {
	images   map[string][]byte
	tileSets map[string]TileSetMetadata
	maps     map[string]*Map
	mapNames []string
}

// NewStore 由已解析的数据构造仓库；图片与图块集名称统一小写
func NewStore(images map[string][]byte, tileSets map[string]TileSetMetadata, maps map[string]*Map) *Store {
	s := &Store{
		images:   make(map[string][]byte, len(images)),
		tileSets: make(map[string]TileSetMetadata, len(tileSets)),
		maps:     make(map[string]*Map, len(maps)),
	}
	for k, v := range images {
		s.images[strings.ToLower(k)] = v
	}
	for k, v := range tileSets {
		s.tileSets[strings.ToLower(k)] = v
	}
	for k, v := range maps {
		s.maps[k] = v
		s.mapNames = append(s.mapNames, k)
	}
	sort.Strings(s.mapNames)
	return s
}

func (s *Store) Image(name string) ([]byte, error) {
	b, ok := s.images[strings.ToLower(name)]
	if !ok {
		return nil, &NotFoundError{Kind: "image", Name: name}
	}
	return b, nil
}

func (s *Store) TileSetMetadata(name string) (TileSetMetadata, error) {
	ts, ok := s.tileSets[strings.ToLower(name)]
	if !ok {
		return TileSetMetadata{}, &NotFoundError{Kind: "tileset", Name: name}
	}
	return ts, nil
}

func (s *Store) lookupMap(name string) (*Map, error) {
	m, ok := s.maps[name]
	if !ok {
		return nil, &NotFoundError{Kind: "map", Name: name}
	}
	return m, nil
}

// MapMetadata 地图名区分大小写
func (s *Store) MapMetadata(name string) (MapMetadata, error) {
	m, err := s.lookupMap(name)
	if err != nil {
		return MapMetadata{}, err
	}
	return m.Metadata, nil
}

// Chunks 返回每个图层在 coord 处的区块（每层恰好一个）。
// coord 超出任一图层范围时返回 *OutOfRangeError，不会返回部分结果。
func (s *Store) Chunks(mapName string, coord protocol.Coord) ([]Chunk, error) {
	m, err := s.lookupMap(mapName)
	if err != nil {
		return nil, err
	}
	for i := range m.Layers {
		if !m.Layers[i].contains(coord) {
			return nil, &OutOfRangeError{Map: mapName, Coord: coord}
		}
	}
	out := make([]Chunk, 0, len(m.Layers))
	for i := range m.Layers {
		out = append(out, m.Layers[i].Chunks[coord.X][coord.Y])
	}
	return out, nil
}

// Colliders 地图的静态碰撞体副本
func (s *Store) Colliders(mapName string) ([]collision.Quad, error) {
	m, err := s.lookupMap(mapName)
	if err != nil {
		return nil, err
	}
	out := make([]collision.Quad, len(m.Colliders))
	copy(out, m.Colliders)
	return out, nil
}

// DefaultMap 名称排序后的第一张地图（单地图假设）
func (s *Store) DefaultMap() (string, bool) {
	if len(s.mapNames) == 0 {
		return "", false
	}
	return s.mapNames[0], true
}

func (s *Store) MapNames() []string {
	return append([]string(nil), s.mapNames...)
}

// Counts 供启动日志与指标使用
func (s *Store) Counts() (images, tileSets, maps int) {
	return len(s.images), len(s.tileSets), len(s.maps)
}
