package server

import (
	"sync/atomic"
)

// ServerMetrics 记录运行期的关键指标（用于监控与调试）
type ServerMetrics struct {
	Registered        int64 // 成功注册的连接数
	DuplicateRejected int64 // 重复注册被拒绝
	Disconnected      int64 // 已释放的连接数
	RequestsServed    int64 // 返回信封的请求数（含错误结果）
	NotFound          int64
	OutOfRange        int64
	DecryptFailures   int64 // 请求字段解密失败
	RateLimited       int64 // 因限流被拒绝的请求数
	PositionsApplied  int64
	CorrectionsSent   int64
	ChanFullDiscarded int64 // 因发送队列满被丢弃的消息数
	TotalDispatchNs   int64 // 请求处理累计耗时（纳秒）
}

func (m *ServerMetrics) IncRegistered()        { atomic.AddInt64(&m.Registered, 1) }
func (m *ServerMetrics) IncDuplicateRejected() { atomic.AddInt64(&m.DuplicateRejected, 1) }
func (m *ServerMetrics) IncDisconnected()      { atomic.AddInt64(&m.Disconnected, 1) }
func (m *ServerMetrics) IncNotFound()          { atomic.AddInt64(&m.NotFound, 1) }
func (m *ServerMetrics) IncOutOfRange()        { atomic.AddInt64(&m.OutOfRange, 1) }
func (m *ServerMetrics) IncDecryptFailures()   { atomic.AddInt64(&m.DecryptFailures, 1) }
func (m *ServerMetrics) IncRateLimited()       { atomic.AddInt64(&m.RateLimited, 1) }
func (m *ServerMetrics) IncChanFullDiscarded() { atomic.AddInt64(&m.ChanFullDiscarded, 1) }
func (m *ServerMetrics) AddPositions(n int)    { atomic.AddInt64(&m.PositionsApplied, int64(n)) }
func (m *ServerMetrics) AddCorrections(n int)  { atomic.AddInt64(&m.CorrectionsSent, int64(n)) }
func (m *ServerMetrics) AddDispatch(ns int64) {
	atomic.AddInt64(&m.RequestsServed, 1)
	atomic.AddInt64(&m.TotalDispatchNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *ServerMetrics) Snapshot() map[string]any {
	served := atomic.LoadInt64(&m.RequestsServed)
	total := atomic.LoadInt64(&m.TotalDispatchNs)
	var avgMs float64
	if served > 0 {
		avgMs = float64(total) / float64(served) / 1e6
	}
	return map[string]any{
		"registered":          atomic.LoadInt64(&m.Registered),
		"duplicate_rejected":  atomic.LoadInt64(&m.DuplicateRejected),
		"disconnected":        atomic.LoadInt64(&m.Disconnected),
		"requests_served":     served,
		"not_found":           atomic.LoadInt64(&m.NotFound),
		"out_of_range":        atomic.LoadInt64(&m.OutOfRange),
		"decrypt_failures":    atomic.LoadInt64(&m.DecryptFailures),
		"rate_limited":        atomic.LoadInt64(&m.RateLimited),
		"positions_applied":   atomic.LoadInt64(&m.PositionsApplied),
		"corrections_sent":    atomic.LoadInt64(&m.CorrectionsSent),
		"chan_full_discarded": atomic.LoadInt64(&m.ChanFullDiscarded),
		"avg_dispatch_ms":     avgMs,
	}
}
