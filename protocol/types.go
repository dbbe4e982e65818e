package protocol

import (
	"encoding/json"
	"errors"
)

// Vector2 世界坐标（像素 × 缩放）
type Vector2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vector2) Add(o Vector2) Vector2 { return Vector2{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vector2) Sub(o Vector2) Vector2 { return Vector2{X: v.X - o.X, Y: v.Y - o.Y} }
func (v Vector2) Scale(s float64) Vector2 {
	return Vector2{X: v.X * s, Y: v.Y * s}
}

// Coord 区块网格坐标
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Envelope 发送方公钥 + 密文；接收方用自己的私钥与该公钥推导共享密钥
type Envelope struct {
	PublicKey  []byte `json:"public_key"`
	Ciphertext []byte `json:"ciphertext"`
}

// Result 所有加密响应的统一形状：{"ok": ...} 或 {"err": {...}}
type Result struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *ErrorBody      `json:"err,omitempty"`
}

// OK 将成功载荷包装为结果
func OK(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Ok: b}, nil
}

// Fail 构造错误分支
func Fail(kind ErrorKind, detail string) Result {
	return Result{Err: &ErrorBody{Kind: kind, Detail: detail}}
}

// FailAt 构造携带坐标的错误分支（out_of_range）
func FailAt(kind ErrorKind, detail string, c Coord) Result {
	return Result{Err: &ErrorBody{Kind: kind, Detail: detail, Coord: &c}}
}

var ErrEmptyResult = errors.New("protocol: result has neither ok nor err")

// Decode 解出 ok 分支到 v；err 分支返回 *RemoteError
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return &RemoteError{Kind: r.Err.Kind, Detail: r.Err.Detail, Coord: r.Err.Coord}
	}
	if len(r.Ok) == 0 {
		return ErrEmptyResult
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(r.Ok, v)
}

// RequestKind 具名请求类型
type RequestKind string

const (
	RequestImage       RequestKind = "image"
	RequestTileSet     RequestKind = "tileset"
	RequestMapMetadata RequestKind = "map_metadata"
	RequestChunks      RequestKind = "chunks"
	RequestPlayer      RequestKind = "player"
)

// 请求字段名（值为 EncryptFieldOnly 产生的 URL 安全 base64 密文）
const (
	FieldName  = "name"
	FieldCoord = "coord"
)

// Request 路由层的逻辑请求，与传输方式无关
type Request struct {
	Kind            RequestKind
	ConnectionID    string
	RemotePublicKey []byte
	Fields          map[string]string
}

// Welcome 注册成功后返回给客户端的密钥交换结果
type Welcome struct {
	ConnectionID    string `json:"connection_id"`
	ServerPublicKey []byte `json:"server_public_key"`
	IV              []byte `json:"iv"`
}

// PlayerState player 请求的返回载荷（服务端权威状态）
type PlayerState struct {
	ID                string  `json:"id"`
	Texture           string  `json:"texture"`
	ProjectileTexture string  `json:"projectile_texture"`
	Position          Vector2 `json:"position"`
	Rotation          float64 `json:"rotation"`
	Size              Vector2 `json:"size"`
	MaxHP             int     `json:"max_hp"`
}
