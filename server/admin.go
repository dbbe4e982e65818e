package server

import (
	"encoding/json"
	"net/http"
)

// HandleAdminConfig 提供限流与发送队列的读取与更新（热更新）
// GET /admin/config   返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		RequestsPerSecond *float64 `json:"requestsPerSecond,omitempty"`
		Burst             *int     `json:"burst,omitempty"`
		SendQueue         *int     `json:"sendQueue,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		rps, burst := s.router.RateLimit()
		queue := int(s.sendQueue.Load())
		respondJSON(w, http.StatusOK, cfg{RequestsPerSecond: &rps, Burst: &burst, SendQueue: &queue})
		return
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json")
			return
		}
		rps, burst := s.router.RateLimit()
		if body.RequestsPerSecond != nil && *body.RequestsPerSecond > 0 {
			rps = *body.RequestsPerSecond
		}
		if body.Burst != nil && *body.Burst > 0 {
			burst = *body.Burst
		}
		s.router.SetRateLimit(rps, burst)
		// 发送队列只影响之后建立的连接
		if body.SendQueue != nil && *body.SendQueue > 0 {
			s.sendQueue.Store(int64(*body.SendQueue))
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
		Log.Infof("config updated: rps=%.1f burst=%d sendQueue=%d", rps, burst, s.sendQueue.Load())
		return
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
}

// HandleMetrics 输出运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"map":         s.router.MapName(),
		"ready":       s.router.Ready(),
		"connections": s.hub.Len(),
		"contexts":    s.router.Keys().Len(),
		"metrics":     s.router.Metrics().Snapshot(),
	}
	respondJSON(w, http.StatusOK, payload)
}
