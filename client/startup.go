package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"journeycore/protocol"
	"journeycore/world"
)

// BootstrapConfig 启动时请求的资源名称
type BootstrapConfig struct {
	MapName     string
	MapsImage   string // 地图图块纹理
	UITileSet   string
	Textures    []string // 玩家与弹道等附加纹理
	Parallelism int      // 区块并发请求数
}

func DefaultBootstrapConfig(mapName string) BootstrapConfig {
	return BootstrapConfig{
		MapName:     mapName,
		MapsImage:   "maps",
		UITileSet:   "ui",
		Parallelism: 8,
	}
}

// World 客户端本地的世界副本
type World struct {
	Map     world.MapMetadata
	Player  protocol.PlayerState
	Images  map[string][]byte
	UI      world.TileSetMetadata
	mu      sync.Mutex
	chunks  map[protocol.Coord][]world.Chunk
	Missing []protocol.Coord // 请求失败的区块坐标
}

func (w *World) Chunks(c protocol.Coord) ([]world.Chunk, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.chunks[c]
	return ch, ok
}

func (w *World) ChunkCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks)
}

// SetPosition 应用服务端修正
func (w *World) SetPosition(p protocol.Vector2) {
	w.mu.Lock()
	w.Player.Position = p
	w.mu.Unlock()
}

func (w *World) Position() protocol.Vector2 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Player.Position
}

// Bootstrap 启动序列：地图纹理 → 地图元数据 → 玩家 → UI 图块集 → 全部区块。
// 纹理与 UI 图块集缺失只记录日志；地图元数据与玩家失败时返回错误。
func Bootstrap(ctx context.Context, c *Conn, cfg BootstrapConfig, log *zap.SugaredLogger) (*World, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	w := &World{
		Images: make(map[string][]byte),
		chunks: make(map[protocol.Coord][]world.Chunk),
	}

	for _, name := range append([]string{cfg.MapsImage}, cfg.Textures...) {
		if name == "" {
			continue
		}
		img, err := c.Image(ctx, name)
		if err != nil {
			log.Warnf("image %s: %v", name, err)
			continue
		}
		w.Images[name] = img
	}

	log.Infof("Requesting map: %s", cfg.MapName)
	md, err := c.MapMetadata(ctx, cfg.MapName)
	if err != nil {
		return nil, fmt.Errorf("map metadata %s: %w", cfg.MapName, err)
	}
	w.Map = md

	p, err := c.Player(ctx)
	if err != nil {
		return nil, fmt.Errorf("player: %w", err)
	}
	w.Player = p

	if cfg.UITileSet != "" {
		ui, err := c.TileSetMetadata(ctx, cfg.UITileSet)
		if err != nil {
			log.Warnf("tileset %s: %v", cfg.UITileSet, err)
		} else {
			w.UI = ui
		}
	}

	streamChunks(ctx, c, w, cfg, log)
	log.Infof("world ready: map=%s chunks=%d missing=%d", md.Name, w.ChunkCount(), len(w.Missing))
	return w, nil
}

// streamChunks 并发请求 (0..ChunksX-1, 0..ChunksY-1) 的全部区块
func streamChunks(ctx context.Context, c *Conn, w *World, cfg BootstrapConfig, log *zap.SugaredLogger) {
	n := cfg.Parallelism
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for x := 0; x < w.Map.ChunksX; x++ {
		for y := 0; y < w.Map.ChunksY; y++ {
			coord := protocol.Coord{X: x, Y: y}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
				}()
				chunks, err := c.Chunks(ctx, cfg.MapName, coord)
				w.mu.Lock()
				defer w.mu.Unlock()
				if err != nil {
					log.Warnf("chunk (%d,%d): %v", coord.X, coord.Y, err)
					w.Missing = append(w.Missing, coord)
					return
				}
				w.chunks[coord] = chunks
			}()
		}
	}
	wg.Wait()
}
