package server

import (
	"journeycore/collision"
	"journeycore/protocol"
	"journeycore/world"
)

// playerTemplate 新连接的出生碰撞盒：
// 优先使用图块集中指定图块的第一个碰撞体尺寸（按地图缩放），否则使用配置尺寸；位置取地图出生点
func playerTemplate(store *world.Store, mapName string, cfg PlayerConfig, scale float64) collision.Quad {
	q := collision.Quad{Size: protocol.Vector2{X: cfg.Width, Y: cfg.Height}}
	if ts, err := store.TileSetMetadata(cfg.TileSet); err == nil {
		if tile, ok := ts.Tile(cfg.TileID); ok && len(tile.Colliders) > 0 {
			q.Size = tile.Colliders[0].Size.Scale(scale)
		}
	}
	if md, err := store.MapMetadata(mapName); err == nil {
		q.Position = md.Spawn
	}
	return q
}

func playerState(id string, q collision.Quad, cfg PlayerConfig) protocol.PlayerState {
	return protocol.PlayerState{
		ID:                id,
		Texture:           cfg.Texture,
		ProjectileTexture: cfg.ProjectileTexture,
		Position:          q.Position,
		Rotation:          q.Rotation,
		Size:              q.Size,
		MaxHP:             cfg.MaxHP,
	}
}
