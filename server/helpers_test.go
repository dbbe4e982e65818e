package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"journeycore/protocol"
	"journeycore/secure"
	"journeycore/world"
)

func writeFile(t *testing.T, path string, v any) {
	t.Helper()
	var b []byte
	switch x := v.(type) {
	case []byte:
		b = x
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeArena Arena：8×8 图块（16px），区块 4 → 2×2 区块；(4,1) 处一面墙，出生点 (1,1)
func writeArena(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "images", "maps.png"), []byte{0x89, 'P', 'N', 'G', 7})
	writeFile(t, filepath.Join(root, "tilesets", "walls.json"), map[string]any{
		"image": "maps", "tile_width": 16, "tile_height": 16, "columns": 2, "tile_count": 2,
		"tiles": []any{
			map[string]any{"id": 1, "colliders": []any{
				map[string]any{"x": 0, "y": 0, "width": 16, "height": 16},
			}},
		},
	})
	ground := make([]int, 64)
	ground[1*8+4] = 2
	writeFile(t, filepath.Join(root, "maps", "Arena.json"), map[string]any{
		"width": 8, "height": 8, "tile_width": 16, "tile_height": 16,
		"tilesets": []any{map[string]any{"first_gid": 1, "name": "walls"}},
		"layers":   []any{map[string]any{"name": "ground", "data": ground}},
		"spawn":    map[string]any{"x": 1, "y": 1},
	})
	return root
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Assets.ChunkSize = 4
	cfg.Assets.Scale = 1
	cfg.Player.Width = 10
	cfg.Player.Height = 10
	cfg.Session.PongWaitSec = 5
	cfg.Session.HandshakeWaitMs = 2000
	return cfg
}

func loadTestStore(t *testing.T, cfg Config) *world.Store {
	t.Helper()
	store, err := world.Load(writeArena(t), world.LoadOptions{
		ChunkSize: cfg.Assets.ChunkSize,
		Scale:     cfg.Assets.Scale,
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return store
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := testConfig()
	r, err := NewRouter(loadTestStore(t, cfg), cfg)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	r.MarkReady()
	return r
}

// peer 模拟客户端一侧的密钥上下文
type peer struct {
	id  string
	sec *secure.Context
}

func register(t *testing.T, r *Router, id string) *peer {
	t.Helper()
	sec, err := secure.NewContext()
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	w, err := r.Register(id, sec.PublicKey())
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if w.ConnectionID != id {
		t.Fatalf("welcome id=%q", w.ConnectionID)
	}
	if err := sec.Bind(w.ServerPublicKey, w.IV); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return &peer{id: id, sec: sec}
}

// dispatch 加密明文字段并发出请求；返回路由层错误（无信封）
func (p *peer) dispatch(t *testing.T, r *Router, kind protocol.RequestKind, fields map[string]string) (protocol.Envelope, error) {
	t.Helper()
	enc := make(map[string]string, len(fields))
	for k, v := range fields {
		s, err := p.sec.SealField([]byte(v))
		if err != nil {
			t.Fatalf("seal %s: %v", k, err)
		}
		enc[k] = s
	}
	return r.Dispatch(context.Background(), protocol.Request{
		Kind:            kind,
		ConnectionID:    p.id,
		RemotePublicKey: p.sec.PublicKey(),
		Fields:          enc,
	})
}

// call 发出请求并解出结果；err 分支以 *protocol.RemoteError 返回
func (p *peer) call(t *testing.T, r *Router, kind protocol.RequestKind, fields map[string]string, out any) error {
	t.Helper()
	env, err := p.dispatch(t, r, kind, fields)
	if err != nil {
		t.Fatalf("dispatch %s: %v", kind, err)
	}
	plain, err := p.sec.Open(env.PublicKey, env.Ciphertext)
	if err != nil {
		t.Fatalf("open %s: %v", kind, err)
	}
	var res protocol.Result
	if err := json.Unmarshal(plain, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	return res.Decode(out)
}

func coordJSON(x, y int) string {
	b, _ := json.Marshal(protocol.Coord{X: x, Y: y})
	return string(b)
}
