// Package ctxkeys 定义请求上下文键，避免跨包字符串键冲突。
package ctxkeys

import (
	"context"

	"github.com/BaSui01/gateflow/store"
)

type contextKey string

const (
	keyRequestID   contextKey = "request_id"
	keyClientToken contextKey = "client_token"
	keyAdmin       contextKey = "admin"
)

// WithRequestID 注入请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID 取出请求 ID，未设置返回空串
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithClientToken 注入已解析的客户端令牌
func WithClientToken(ctx context.Context, t *store.ClientToken) context.Context {
	return context.WithValue(ctx, keyClientToken, t)
}

// ClientToken 取出客户端令牌
func ClientToken(ctx context.Context) (*store.ClientToken, bool) {
	t, ok := ctx.Value(keyClientToken).(*store.ClientToken)
	return t, ok
}

// WithAdmin 标记请求通过了管理端认证。identity 用于日志展示：
// 静态口令登录记为 "admin_token"，公钥登录记指纹。
func WithAdmin(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, keyAdmin, identity)
}

// AdminIdentity 取出管理端身份
func AdminIdentity(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAdmin).(string)
	return v, ok
}
