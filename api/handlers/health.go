package handlers

import (
	"net/http"
	"time"
)

// =============================================================================
// ❤️ 健康检查
// =============================================================================

// Healthz GET /healthz 存活探针
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Readyz GET /readyz 就绪探针，带数据库探测
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
