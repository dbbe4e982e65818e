package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"journeycore/collision"
	"journeycore/protocol"
)

// LoadOptions 地图切块与缩放
type LoadOptions struct {
	ChunkSize int
	Scale     float64
}

const (
	DefaultChunkSize = 8
	DefaultScale     = 2
)

func (o LoadOptions) withDefaults() LoadOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Scale <= 0 {
		o.Scale = DefaultScale
	}
	return o
}

// 资源文件格式（磁盘上的 JSON）
type tileSetFile struct {
	Name       string     `json:"name"`
	Image      string     `json:"image"`
	TileWidth  int        `json:"tile_width"`
	TileHeight int        `json:"tile_height"`
	Columns    int        `json:"columns"`
	TileCount  int        `json:"tile_count"`
	Tiles      []tileFile `json:"tiles"`
}

type tileFile struct {
	ID          int              `json:"id"`
	Type        string           `json:"type"`
	Probability float64          `json:"probability"`
	Properties  []CustomProperty `json:"properties"`
	Colliders   []colliderFile   `json:"colliders"`
}

type colliderFile struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

type mapFile struct {
	Name       string       `json:"name"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	TileWidth  int          `json:"tile_width"`
	TileHeight int          `json:"tile_height"`
	TileSets   []TileSetRef `json:"tilesets"`
	Layers     []layerFile  `json:"layers"`
	Spawn      *struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"spawn"` // 图块坐标
}

type layerFile struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`  // 0 表示与地图相同
	Height int    `json:"height"` // 0 表示与地图相同
	Data   []int  `json:"data"`
}

// Load 启动时一次性扫描 images / tilesets / maps 三类资源
func Load(root string, opts LoadOptions, log *zap.SugaredLogger) (*Store, error) {
	opts = opts.withDefaults()

	images := map[string][]byte{}
	err := walkFiles(filepath.Join(root, "images"), true, log, func(path string) error {
		if !strings.EqualFold(filepath.Ext(path), ".png") {
			return nil
		}
		name := strings.ToLower(baseName(path))
		if _, dup := images[name]; dup {
			return fmt.Errorf("duplicate image %q (%s)", name, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		images[name] = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load images: %w", err)
	}

	tileSets := map[string]TileSetMetadata{}
	err = walkFiles(filepath.Join(root, "tilesets"), true, log, func(path string) error {
		if !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		name := strings.ToLower(baseName(path))
		if _, dup := tileSets[name]; dup {
			return fmt.Errorf("duplicate tileset %q (%s)", name, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		ts, err := parseTileSet(name, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		tileSets[name] = ts
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load tilesets: %w", err)
	}

	maps := map[string]*Map{}
	var dec *zstd.Decoder
	defer func() {
		if dec != nil {
			dec.Close()
		}
	}()
	err = walkFiles(filepath.Join(root, "maps"), false, log, func(path string) error {
		lower := strings.ToLower(path)
		compressed := strings.HasSuffix(lower, ".json.zst")
		if !compressed && !strings.HasSuffix(lower, ".json") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if compressed {
			if dec == nil {
				if dec, err = zstd.NewReader(nil); err != nil {
					return err
				}
			}
			if raw, err = dec.DecodeAll(raw, nil); err != nil {
				return fmt.Errorf("%s: zstd: %w", path, err)
			}
		}
		name := baseName(path)
		if _, dup := maps[name]; dup {
			return fmt.Errorf("duplicate map %q (%s)", name, path)
		}
		m, err := parseMap(name, raw, tileSets, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		maps[name] = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load maps: %w", err)
	}

	store := NewStore(images, tileSets, maps)
	log.Infof("world loaded from %s: images=%d tilesets=%d maps=%d chunk_size=%d scale=%.1f",
		root, len(images), len(tileSets), len(maps), opts.ChunkSize, opts.Scale)
	return store, nil
}

// baseName 去掉目录与扩展名（a/b/AdventurersGuild.json.zst → AdventurersGuild）
func baseName(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(base), ".zst") {
		base = base[:len(base)-len(".zst")]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// walkFiles 按字典序遍历文件；目录不存在时记录警告并视为空
func walkFiles(dir string, recursive bool, log *zap.SugaredLogger, fn func(path string) error) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		log.Warnf("asset directory %s missing; nothing loaded", dir)
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(path)
	})
}

func parseTileSet(name string, raw []byte) (TileSetMetadata, error) {
	var f tileSetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return TileSetMetadata{}, err
	}
	if f.TileWidth <= 0 || f.TileHeight <= 0 || f.Columns <= 0 {
		return TileSetMetadata{}, fmt.Errorf("tileset needs positive tile_width, tile_height and columns")
	}
	count := f.TileCount
	for _, t := range f.Tiles {
		if t.ID < 0 {
			return TileSetMetadata{}, fmt.Errorf("negative tile id %d", t.ID)
		}
		if t.ID >= count {
			count = t.ID + 1
		}
	}

	ts := TileSetMetadata{
		Name:       name,
		Image:      f.Image,
		TileWidth:  f.TileWidth,
		TileHeight: f.TileHeight,
		Columns:    f.Columns,
		TileCount:  count,
		Tiles:      make([]TileMetadata, count),
	}
	if ts.Image == "" {
		ts.Image = name
	}
	for id := range ts.Tiles {
		ts.Tiles[id] = TileMetadata{
			ID: id,
			TextureRect: Rect{
				Left:   (id % f.Columns) * f.TileWidth,
				Top:    (id / f.Columns) * f.TileHeight,
				Width:  f.TileWidth,
				Height: f.TileHeight,
			},
		}
	}
	for _, t := range f.Tiles {
		tm := &ts.Tiles[t.ID]
		tm.Group = t.Type
		tm.Probability = t.Probability
		tm.Properties = t.Properties
		for i, c := range t.Colliders {
			tm.Colliders = append(tm.Colliders, collision.Quad{
				ID:       i,
				Position: protocol.Vector2{X: c.X + c.Width/2, Y: c.Y + c.Height/2},
				Size:     protocol.Vector2{X: c.Width, Y: c.Height},
				Rotation: c.Rotation,
			})
		}
		applyProperties(tm)
	}
	return ts, nil
}

func applyProperties(tm *TileMetadata) {
	for _, p := range tm.Properties {
		v, err := strconv.ParseBool(p.Value)
		if err != nil {
			continue
		}
		switch p.Name {
		case "IsRandomizable":
			tm.IsRandomizable = v
		case "IsRandomlyRotatable":
			tm.IsRandomlyRotatable = v
		}
	}
}

func parseMap(name string, raw []byte, tileSets map[string]TileSetMetadata, opts LoadOptions) (*Map, error) {
	var f mapFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Width <= 0 || f.Height <= 0 || f.TileWidth <= 0 || f.TileHeight <= 0 {
		return nil, fmt.Errorf("map needs positive width, height, tile_width and tile_height")
	}
	if len(f.Layers) == 0 {
		return nil, fmt.Errorf("map has no layers")
	}

	refs := make([]TileSetRef, len(f.TileSets))
	for i, r := range f.TileSets {
		r.Name = strings.ToLower(r.Name)
		if _, ok := tileSets[r.Name]; !ok {
			return nil, fmt.Errorf("map references unknown tileset %q", r.Name)
		}
		refs[i] = r
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].FirstGID < refs[j].FirstGID })

	size := opts.ChunkSize
	m := &Map{
		Metadata: MapMetadata{
			Name:       name,
			Width:      f.Width,
			Height:     f.Height,
			TileWidth:  f.TileWidth,
			TileHeight: f.TileHeight,
			ChunkSize:  size,
			Scale:      opts.Scale,
			ChunksX:    ceilDiv(f.Width, size),
			ChunksY:    ceilDiv(f.Height, size),
			TileSets:   refs,
		},
	}
	if f.Spawn != nil {
		m.Metadata.Spawn = protocol.Vector2{
			X: (float64(f.Spawn.X) + 0.5) * float64(f.TileWidth) * opts.Scale,
			Y: (float64(f.Spawn.Y) + 0.5) * float64(f.TileHeight) * opts.Scale,
		}
	}

	nextID := 0
	for li, lf := range f.Layers {
		w, h := lf.Width, lf.Height
		if w <= 0 {
			w = f.Width
		}
		if h <= 0 {
			h = f.Height
		}
		if len(lf.Data) != w*h {
			return nil, fmt.Errorf("layer %d (%s): data has %d tiles, want %d", li, lf.Name, len(lf.Data), w*h)
		}
		layer := chunkLayer(li, lf.Name, lf.Data, w, h, size)
		m.Layers = append(m.Layers, layer)
		m.Metadata.Layers = append(m.Metadata.Layers, LayerMetadata{Name: lf.Name, Width: layer.Width, Height: layer.Height})

		for ty := 0; ty < h; ty++ {
			for tx := 0; tx < w; tx++ {
				gid := lf.Data[ty*w+tx]
				if gid <= 0 {
					continue
				}
				ts, local, ok := resolveGID(gid, refs, tileSets)
				if !ok {
					continue
				}
				tile, ok := ts.Tile(local)
				if !ok {
					continue
				}
				for _, c := range tile.Colliders {
					m.Colliders = append(m.Colliders, collision.Quad{
						ID: nextID,
						Position: protocol.Vector2{
							X: (float64(tx*f.TileWidth) + c.Position.X) * opts.Scale,
							Y: (float64(ty*f.TileHeight) + c.Position.Y) * opts.Scale,
						},
						Size:     c.Size.Scale(opts.Scale),
						Rotation: c.Rotation,
					})
					nextID++
				}
			}
		}
	}
	collision.SortByID(m.Colliders)
	return m, nil
}

// chunkLayer 将 w×h 图块切成 size×size 区块，越出地图的格子填 0
func chunkLayer(index int, name string, data []int, w, h, size int) Layer {
	cw, ch := ceilDiv(w, size), ceilDiv(h, size)
	layer := Layer{Name: name, Width: cw, Height: ch, Chunks: make([][]Chunk, cw)}
	for cx := 0; cx < cw; cx++ {
		layer.Chunks[cx] = make([]Chunk, ch)
		for cy := 0; cy < ch; cy++ {
			tiles := make([]int, size*size)
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					tx, ty := cx*size+x, cy*size+y
					if tx < w && ty < h {
						tiles[y*size+x] = data[ty*w+tx]
					}
				}
			}
			layer.Chunks[cx][cy] = Chunk{Layer: index, X: cx, Y: cy, Size: size, Tiles: tiles}
		}
	}
	return layer
}

// resolveGID 找到 FirstGID 不大于 gid 的最后一个图块集
func resolveGID(gid int, refs []TileSetRef, tileSets map[string]TileSetMetadata) (TileSetMetadata, int, bool) {
	for i := len(refs) - 1; i >= 0; i-- {
		if gid >= refs[i].FirstGID {
			ts := tileSets[refs[i].Name]
			return ts, gid - refs[i].FirstGID, true
		}
	}
	return TileSetMetadata{}, 0, false
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
