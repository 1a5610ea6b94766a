package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/gateflow/api/handlers"
	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					http.Error(w, `{"error":{"type":"internal","message":"internal server error"}}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求注入 X-Request-ID，客户端已带时沿用
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = "req-" + uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", ctxkeys.RequestID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware 打点 HTTP 请求指标。路径用路由模式而非原始 URL，
// 控制 Prometheus 标签基数。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			collector.RecordHTTPRequest(r.Method, path, strconv.Itoa(rw.StatusCode), time.Since(start))
		})
	}
}

// RateLimiter 按客户端（令牌优先，退回 IP）限流
func RateLimiter(ctx context.Context, rps float64, burst int) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	// 后台清理过期 visitor
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for key, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, key)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				key = "ip:" + ip
			}
			mu.Lock()
			v, exists := visitors[key]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[key] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":{"type":"rate_limited","message":"too many requests"}}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// ClientAuth 解析 Bearer 客户端令牌并注入上下文。
// 令牌存在性在这里校验，配额与模型白名单在对话处理器里检查。
// 管理口令可以直接使用客户端面：不受配额限制，日志记为 admin_token。
func ClientAuth(s store.Store, adminToken string, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				handlers.WriteError(w, types.NewError(types.ErrUnauthorized, "missing bearer token"), logger)
				return
			}
			if adminToken != "" && raw == adminToken {
				t := &store.ClientToken{Token: store.AdminIdentityToken, Enabled: true}
				next.ServeHTTP(w, r.WithContext(ctxkeys.WithClientToken(r.Context(), t)))
				return
			}
			t, err := s.GetToken(r.Context(), raw)
			if errors.Is(err, store.ErrNotFound) {
				handlers.WriteError(w, types.NewError(types.ErrUnauthorized, "invalid token"), logger)
				return
			}
			if err != nil {
				handlers.WriteError(w, types.NewError(types.ErrStorage, "failed to load token").WithCause(err), logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithClientToken(r.Context(), t)))
		})
	}
}

// AdminAuth 管理端认证：静态口令、会话令牌或 gw_session cookie。
// 静态口令登录的身份在日志中记为 "admin_token"，不回显口令本身。
func AdminAuth(svc *auth.Service, adminToken string, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				if c, err := r.Cookie("gw_session"); err == nil {
					raw = c.Value
				}
			}
			if raw == "" {
				handlers.WriteError(w, types.NewError(types.ErrUnauthorized, "missing admin credentials"), logger)
				return
			}

			if adminToken != "" && raw == adminToken {
				next.ServeHTTP(w, r.WithContext(ctxkeys.WithAdmin(r.Context(), store.AdminIdentityToken)))
				return
			}
			sess, err := svc.ValidateSession(r.Context(), raw)
			if err != nil {
				handlers.WriteError(w, types.NewError(types.ErrUnauthorized, "invalid admin credentials"), logger)
				return
			}
			identity := sess.Fingerprint
			if identity == "" {
				identity = "login_code"
			}
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithAdmin(r.Context(), identity)))
		})
	}
}
