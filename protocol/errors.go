package protocol

import "fmt"

// ErrorKind 结果错误的分类标签（随加密结果一起下发）
type ErrorKind string

const (
	// 连接 / 握手
	KindDuplicateConnection ErrorKind = "duplicate_connection"
	KindUnknownConnection   ErrorKind = "unknown_connection"
	KindNotReady            ErrorKind = "not_ready"

	// 请求载荷
	KindBadRequest        ErrorKind = "bad_request"
	KindDecryptionFailure ErrorKind = "decryption_failure"
	KindRateLimited       ErrorKind = "rate_limited"

	// 世界数据查询
	KindNotFound   ErrorKind = "not_found"
	KindOutOfRange ErrorKind = "out_of_range"

	KindInternal ErrorKind = "internal"
)

var knownKinds = map[ErrorKind]struct{}{
	KindDuplicateConnection: {},
	KindUnknownConnection:   {},
	KindNotReady:            {},
	KindBadRequest:          {},
	KindDecryptionFailure:   {},
	KindRateLimited:         {},
	KindNotFound:            {},
	KindOutOfRange:          {},
	KindInternal:            {},
}

func IsKnownKind(k ErrorKind) bool {
	_, ok := knownKinds[k]
	return ok
}

// ErrorBody 结果中 err 分支的内容
type ErrorBody struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	Coord  *Coord    `json:"coord,omitempty"` // 仅 out_of_range 携带
}

// RemoteError 客户端解出 err 分支后得到的错误值
type RemoteError struct {
	Kind   ErrorKind
	Detail string
	Coord  *Coord
}

func (e *RemoteError) Error() string {
	if e.Coord != nil {
		return fmt.Sprintf("%s: %s (coord %d,%d)", e.Kind, e.Detail, e.Coord.X, e.Coord.Y)
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is 允许 errors.Is(err, &RemoteError{Kind: KindNotFound}) 按 Kind 匹配
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
