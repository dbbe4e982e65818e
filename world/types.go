package world

import (
	"journeycore/collision"
	"journeycore/protocol"
)

// Rect 纹理区域（像素）
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type CustomProperty struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// TileMetadata 单个图块：纹理区域、碰撞几何（相对图块左上角，像素）、自定义属性
type TileMetadata struct {
	ID                  int              `json:"id"`
	Group               string           `json:"group,omitempty"`
	Probability         float64          `json:"probability,omitempty"`
	TextureRect         Rect             `json:"texture_rect"`
	Colliders           []collision.Quad `json:"colliders,omitempty"`
	Properties          []CustomProperty `json:"properties,omitempty"`
	IsRandomizable      bool             `json:"is_randomizable,omitempty"`
	IsRandomlyRotatable bool             `json:"is_randomly_rotatable,omitempty"`
}

type TileSetMetadata struct {
	Name       string         `json:"name"`
	Image      string         `json:"image"`
	TileWidth  int            `json:"tile_width"`
	TileHeight int            `json:"tile_height"`
	Columns    int            `json:"columns"`
	TileCount  int            `json:"tile_count"`
	Tiles      []TileMetadata `json:"tiles"`
}

// Tile 按本地 ID 查找图块
func (ts TileSetMetadata) Tile(id int) (TileMetadata, bool) {
	if id < 0 || id >= len(ts.Tiles) {
		return TileMetadata{}, false
	}
	return ts.Tiles[id], true
}

// TileSetRef 地图引用的图块集，gid = FirstGID + 本地 ID
type TileSetRef struct {
	FirstGID int    `json:"first_gid"`
	Name     string `json:"name"`
}

// LayerMetadata 图层尺寸，Width/Height 以区块计
type LayerMetadata struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type MapMetadata struct {
	Name       string           `json:"name"`
	Width      int              `json:"width"`  // 图块
	Height     int              `json:"height"` // 图块
	TileWidth  int              `json:"tile_width"`
	TileHeight int              `json:"tile_height"`
	ChunkSize  int              `json:"chunk_size"`
	Scale      float64          `json:"scale"`
	ChunksX    int              `json:"chunks_x"`
	ChunksY    int              `json:"chunks_y"`
	Layers     []LayerMetadata  `json:"layers"`
	TileSets   []TileSetRef     `json:"tilesets"`
	Spawn      protocol.Vector2 `json:"spawn"` // 世界坐标
}

// Chunk 地图流式传输的最小单位：某一图层在某网格坐标上的 ChunkSize×ChunkSize 图块（行优先 gid）
type Chunk struct {
	Layer int   `json:"layer"`
	X     int   `json:"x"`
	Y     int   `json:"y"`
	Size  int   `json:"size"`
	Tiles []int `json:"tiles"`
}

// Layer 图层的区块网格，按 [x][y] 索引
type Layer struct {
	Name   string
	Width  int // 区块
	Height int // 区块
	Chunks [][]Chunk
}

func (l *Layer) contains(c protocol.Coord) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < l.Width && c.Y < l.Height
}

// Map 加载后不可变
type Map struct {
	Metadata  MapMetadata
	Layers    []Layer
	Colliders []collision.Quad // 世界坐标，按 ID 排序
}
