package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 服务端配置（YAML），零值字段使用默认值
type Config struct {
	Addr               string          `yaml:"addr"`
	TickRateHz         int             `yaml:"tick_rate_hz"` // 下发给客户端的建议刷新频率
	ShutdownTimeoutSec int             `yaml:"shutdown_timeout_sec"`
	Log                LogConfig       `yaml:"log"`
	Assets             AssetsConfig    `yaml:"assets"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	Session            SessionConfig   `yaml:"session"`
	Player             PlayerConfig    `yaml:"player"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"` // 同时输出到 stderr
}

type AssetsConfig struct {
	Root      string  `yaml:"root"`
	ChunkSize int     `yaml:"chunk_size"`
	Scale     float64 `yaml:"scale"`
}

// RateLimitConfig 每连接的数据请求限流
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type SessionConfig struct {
	SendQueue       int   `yaml:"send_queue"`
	ReadLimitBytes  int64 `yaml:"read_limit_bytes"`
	PongWaitSec     int   `yaml:"pong_wait_sec"`
	HandshakeWaitMs int   `yaml:"handshake_wait_ms"`
}

// PlayerConfig 玩家出生模板：优先取图块集中指定图块的第一个碰撞体
type PlayerConfig struct {
	TileSet           string  `yaml:"tileset"`
	TileID            int     `yaml:"tile_id"`
	Width             float64 `yaml:"width"`
	Height            float64 `yaml:"height"`
	Texture           string  `yaml:"texture"`
	ProjectileTexture string  `yaml:"projectile_texture"`
	MaxHP             int     `yaml:"max_hp"`
}

func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		TickRateHz:         30,
		ShutdownTimeoutSec: 10,
		Log: LogConfig{
			File:       "journeycore.log",
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Assets:    AssetsConfig{Root: "assets", ChunkSize: 8, Scale: 2},
		RateLimit: RateLimitConfig{RequestsPerSecond: 200, Burst: 400},
		Session: SessionConfig{
			SendQueue:       64,
			ReadLimitBytes:  1 << 20,
			PongWaitSec:     60,
			HandshakeWaitMs: 5000,
		},
		Player: PlayerConfig{
			TileSet:           "avatar",
			TileID:            11,
			Width:             24,
			Height:            28,
			Texture:           "avatar",
			ProjectileTexture: "projectiles",
			MaxHP:             100,
		},
	}
}

// LoadConfig 读取 YAML；path 为空时返回默认配置
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.merge(file)
	return cfg, nil
}

// merge 用文件中的非零值覆盖默认值
func (c *Config) merge(f Config) {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setFloat := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}

	setStr(&c.Addr, f.Addr)
	setInt(&c.TickRateHz, f.TickRateHz)
	setInt(&c.ShutdownTimeoutSec, f.ShutdownTimeoutSec)

	setStr(&c.Log.File, f.Log.File)
	setStr(&c.Log.Level, f.Log.Level)
	setInt(&c.Log.MaxSizeMB, f.Log.MaxSizeMB)
	setInt(&c.Log.MaxBackups, f.Log.MaxBackups)
	setInt(&c.Log.MaxAgeDays, f.Log.MaxAgeDays)
	c.Log.Compress = c.Log.Compress || f.Log.Compress
	c.Log.Console = c.Log.Console || f.Log.Console

	setStr(&c.Assets.Root, f.Assets.Root)
	setInt(&c.Assets.ChunkSize, f.Assets.ChunkSize)
	setFloat(&c.Assets.Scale, f.Assets.Scale)

	setFloat(&c.RateLimit.RequestsPerSecond, f.RateLimit.RequestsPerSecond)
	setInt(&c.RateLimit.Burst, f.RateLimit.Burst)

	setInt(&c.Session.SendQueue, f.Session.SendQueue)
	if f.Session.ReadLimitBytes > 0 {
		c.Session.ReadLimitBytes = f.Session.ReadLimitBytes
	}
	setInt(&c.Session.PongWaitSec, f.Session.PongWaitSec)
	setInt(&c.Session.HandshakeWaitMs, f.Session.HandshakeWaitMs)

	setStr(&c.Player.TileSet, f.Player.TileSet)
	if f.Player.TileID != 0 {
		c.Player.TileID = f.Player.TileID
	}
	setFloat(&c.Player.Width, f.Player.Width)
	setFloat(&c.Player.Height, f.Player.Height)
	setStr(&c.Player.Texture, f.Player.Texture)
	setStr(&c.Player.ProjectileTexture, f.Player.ProjectileTexture)
	setInt(&c.Player.MaxHP, f.Player.MaxHP)
}
