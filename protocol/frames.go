package protocol

import "encoding/json"

// 帧类型（WebSocket 文本消息的 type 字段）
const (
	TypeRegister   = "register"
	TypeWelcome    = "welcome"
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypePositions  = "positions"
	TypeRotations  = "rotations"
	TypeCorrection = "correction"
	TypeError      = "error"
)

type BaseFrame struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseFrame, error) {
	var base BaseFrame
	err := json.Unmarshal(b, &base)
	return base, err
}

// RegisterFrame 客户端首帧：携带客户端公钥
type RegisterFrame struct {
	Type      string `json:"type"`
	PublicKey []byte `json:"public_key"`
}

type WelcomeFrame struct {
	Type string `json:"type"`
	Welcome
}

// RequestFrame 具名数据请求；Fields 中的值均已单独加密
type RequestFrame struct {
	Type      string            `json:"type"`
	ID        uint64            `json:"id"`
	Kind      RequestKind       `json:"kind"`
	PublicKey []byte            `json:"public_key"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type ResponseFrame struct {
	Type     string   `json:"type"`
	ID       uint64   `json:"id"`
	Envelope Envelope `json:"envelope"`
}

// PositionsFrame 一个 tick 内累积的全部位置增量（不去重）
type PositionsFrame struct {
	Type      string    `json:"type"`
	Positions []Vector2 `json:"positions"`
}

type RotationsFrame struct {
	Type      string    `json:"type"`
	Rotations []float64 `json:"rotations"`
}

// CorrectionFrame 服务端权威修正（仅在发生位移时推送）
type CorrectionFrame struct {
	Type     string  `json:"type"`
	Position Vector2 `json:"position"`
}

// ErrorFrame 无法封装为信封的失败（未知连接、请求字段解密失败等）
type ErrorFrame struct {
	Type   string    `json:"type"`
	ID     uint64    `json:"id,omitempty"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}
