// Package store abstracts the gateway's persistence: providers and their
// keys, model price rows, the model-list cache, request logs, client
// tokens with quota counters, and the admin auth tables. The GORM-backed
// implementation lives in gormstore.go; consumers depend only on the
// interfaces below.
package store

import (
	"context"
	"time"
)

// ProviderStore 管理提供商及其上游密钥。删除提供商时级联删除其密钥与模型缓存。
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, name string) (*Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)
	DeleteProvider(ctx context.Context, name string) error
	AddKey(ctx context.Context, provider, key string) error
	DeleteKey(ctx context.Context, provider, key string) error
	ListKeys(ctx context.Context, provider string) ([]string, error)
}

// TokenStore 管理客户端令牌。ApplyUsage 必须对同一令牌的并发请求保持原子。
type TokenStore interface {
	CreateToken(ctx context.Context, t *ClientToken) error
	GetToken(ctx context.Context, token string) (*ClientToken, error)
	ListTokens(ctx context.Context) ([]ClientToken, error)
	UpdateToken(ctx context.Context, t *ClientToken) error
	DeleteToken(ctx context.Context, token string) error
	// ApplyUsage 原子累加四个计数器
	ApplyUsage(ctx context.Context, token string, prompt, completion, total int64, amount float64) error
}

// RequestLogStore 追加请求日志并按令牌检索
type RequestLogStore interface {
	InsertLog(ctx context.Context, log *RequestLog) error
	// RecentByToken 返回该令牌最近的 limit 条记录，时间升序（最新在后）
	RecentByToken(ctx context.Context, token string, limit int) ([]RequestLog, error)
}

// ModelCache 缓存各提供商的模型列表
type ModelCache interface {
	// PutModels 以整体替换方式写入某提供商的模型列表
	PutModels(ctx context.Context, provider string, models []CachedModel) error
	ModelsByProvider(ctx context.Context, provider string) ([]CachedModel, error)
	// ProvidersWithModel 返回缓存中包含该模型的提供商名
	ProvidersWithModel(ctx context.Context, modelID string) ([]string, error)
}

// PriceStore 管理模型价格。缺失条目意味着成本为 0。
type PriceStore interface {
	SetPrice(ctx context.Context, p *ModelPrice) error
	GetPrice(ctx context.Context, provider, model string) (*ModelPrice, error)
}

// AdminKeyStore 管理管理端公钥
type AdminKeyStore interface {
	CreateAdminKey(ctx context.Context, k *AdminKey) error
	GetAdminKey(ctx context.Context, fingerprint string) (*AdminKey, error)
	ListAdminKeys(ctx context.Context) ([]AdminKey, error)
	DeleteAdminKey(ctx context.Context, fingerprint string) error
	TouchAdminKey(ctx context.Context, fingerprint string, at time.Time) error
}

// AuthStore 管理挑战、会话与登录码。
// ConsumeChallenge 和 RedeemLoginCode 是单次消费语义，必须原子。
type AuthStore interface {
	CreateChallenge(ctx context.Context, c *Challenge) error
	// ConsumeChallenge 以 CAS 方式消费挑战；只有第一个调用者成功
	ConsumeChallenge(ctx context.Context, id, fingerprint string, now time.Time) (*Challenge, error)
	CreateSession(ctx context.Context, s *AdminSession) error
	GetSession(ctx context.Context, token string) (*AdminSession, error)
	CreateLoginCode(ctx context.Context, c *LoginCode) error
	LatestLoginCode(ctx context.Context) (*LoginCode, error)
	// RedeemLoginCode 原子地校验并递增 uses；失败返回 ErrNotFound
	RedeemLoginCode(ctx context.Context, code string, now time.Time) (*LoginCode, error)
}

// Store 聚合所有持久化接口
type Store interface {
	ProviderStore
	TokenStore
	RequestLogStore
	ModelCache
	PriceStore
	AdminKeyStore
	AuthStore
	Ping(ctx context.Context) error
}
