package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"journeycore/protocol"
)

// Routes 组装全部 HTTP 路由：WebSocket 接入、REST 数据接口、健康检查与管理接口
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/ws", s.HandleWS)

	r.Route("/gameservice", func(r chi.Router) {
		r.Get("/images", s.handleImage)
		r.Get("/tilesets", s.handleTileSet)
		r.Get("/player", s.handlePlayer)
	})
	r.Route("/maps/{mapName}", func(r chi.Router) {
		r.Get("/metadata", s.handleMapMetadata)
		r.Get("/", s.handleChunks)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.router.Ready() {
			respondError(w, http.StatusServiceUnavailable, "world not loaded")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/metrics", s.HandleMetrics)
	r.Get("/admin/config", s.HandleAdminConfig)
	r.Post("/admin/config", s.HandleAdminConfig)

	return r
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	s.serveHTTP(w, r, protocol.RequestImage, map[string]string{
		protocol.FieldName: r.URL.Query().Get("imageNameBase64"),
	})
}

func (s *Server) handleTileSet(w http.ResponseWriter, r *http.Request) {
	s.serveHTTP(w, r, protocol.RequestTileSet, map[string]string{
		protocol.FieldName: r.URL.Query().Get("tileSetNameBase64"),
	})
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	s.serveHTTP(w, r, protocol.RequestPlayer, nil)
}

func (s *Server) handleMapMetadata(w http.ResponseWriter, r *http.Request) {
	s.serveHTTP(w, r, protocol.RequestMapMetadata, map[string]string{
		protocol.FieldName: chi.URLParam(r, "mapName"),
	})
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	s.serveHTTP(w, r, protocol.RequestChunks, map[string]string{
		protocol.FieldName:  chi.URLParam(r, "mapName"),
		protocol.FieldCoord: r.URL.Query().Get("coordsBase64"),
	})
}

// serveHTTP REST 与 WebSocket 共用同一 Router；guid 为 WebSocket 握手时分配的连接 ID
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request, kind protocol.RequestKind, fields map[string]string) {
	q := r.URL.Query()
	id := q.Get("guid")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing guid")
		return
	}
	pub, err := decodeKey(q.Get("remotePublicKeyBase64"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "remotePublicKeyBase64 is not base64")
		return
	}
	env, err := s.router.Dispatch(r.Context(), protocol.Request{
		Kind:            kind,
		ConnectionID:    id,
		RemotePublicKey: pub,
		Fields:          fields,
	})
	if err != nil {
		ek := KindOf(err)
		respondJSON(w, statusOf(ek), protocol.ErrorBody{Kind: ek, Detail: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, env)
}

// decodeKey 公钥参数接受 URL 安全或标准 base64，可带或不带填充
func decodeKey(v string) ([]byte, error) {
	v = strings.TrimRight(v, "=")
	if b, err := base64.RawURLEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(v)
}

func statusOf(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.KindUnknownConnection:
		return http.StatusUnauthorized
	case protocol.KindDecryptionFailure, protocol.KindBadRequest:
		return http.StatusBadRequest
	case protocol.KindNotReady:
		return http.StatusServiceUnavailable
	case protocol.KindDuplicateConnection:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger 使用 zap 记录每个 HTTP 请求
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		Log.Debugf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		Log.Warnf("encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
