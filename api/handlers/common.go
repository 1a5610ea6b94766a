// Package handlers 实现网关的全部 HTTP 端点：
// OpenAI 兼容面（/v1/*）、令牌自助面（/token/*）与管理面（/admin/*, /auth/*）。
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// ErrorBody OpenAI 风格的错误信封
type ErrorBody struct {
	Error *types.Error `json:"error"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError 按统一错误形状写入响应
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	e := types.AsError(err)
	status := StatusOf(e)

	if logger != nil {
		logger.Warn("request failed",
			zap.String("kind", string(e.Kind)),
			zap.String("message", e.Message),
			zap.Int("status", status),
			zap.Error(e.Cause),
		)
	}
	WriteJSON(w, status, ErrorBody{Error: e})
}

// StatusOf 错误种类到 HTTP 状态码的映射。
// 上游错误带原始状态码时透传 4xx，其余一律 502。
func StatusOf(e *types.Error) int {
	switch e.Kind {
	case types.ErrBadRequest, types.ErrConfig:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden, types.ErrQuotaExceeded:
		return http.StatusForbidden
	case types.ErrNotFound, types.ErrModelNotSupported, types.ErrNoProvider:
		return http.StatusNotFound
	case types.ErrConflict:
		return http.StatusConflict
	case types.ErrNoKey:
		return http.StatusServiceUnavailable
	case types.ErrUpstream:
		if e.HTTPStatus >= 400 && e.HTTPStatus < 500 {
			return e.HTTPStatus
		}
		return http.StatusBadGateway
	case types.ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody 解码 JSON 请求体。
// 对话请求不拒绝未知字段，OpenAI 客户端经常带私有扩展。
func DecodeJSONBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return types.NewError(types.ErrBadRequest, "request body is empty")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
	}
	return nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush 透传 Flusher，SSE 转发依赖逐帧刷出
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
