package store

import (
	"strings"
	"time"
)

// =============================================================================
// 🗄️ 数据模型
// =============================================================================

// Provider API 类型
const (
	APITypeOpenAI    = "openai"
	APITypeAnthropic = "anthropic"
	APITypeZhipu     = "zhipu"
)

// Provider 上游模型提供商
type Provider struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	Name           string    `gorm:"uniqueIndex;not null" json:"name"`
	APIType        string    `gorm:"not null" json:"api_type"` // openai / anthropic / zhipu
	BaseURL        string    `gorm:"not null" json:"base_url"`
	ModelsEndpoint string    `json:"models_endpoint,omitempty"` // 可选的模型列表路径覆盖
	Keys           []APIKey  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"-"`
}

// APIKey 提供商的上游密钥。同一提供商下密钥字符串唯一。
type APIKey struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	ProviderID uint      `gorm:"uniqueIndex:idx_provider_key;index" json:"-"`
	Key        string    `gorm:"uniqueIndex:idx_provider_key;not null" json:"key"`
	Position   int       `json:"-"` // 配置顺序，选取时按此排序
	CreatedAt  time.Time `json:"created_at"`
}

// ModelPrice (provider, model) 的每百万 token 价格
type ModelPrice struct {
	ID                   uint    `gorm:"primaryKey" json:"-"`
	Provider             string  `gorm:"uniqueIndex:idx_price;not null" json:"provider"`
	Model                string  `gorm:"uniqueIndex:idx_price;not null" json:"model"`
	PromptPerMillion     float64 `json:"prompt_per_million"`
	CompletionPerMillion float64 `json:"completion_per_million"`
	Currency             string  `json:"currency,omitempty"`
}

// CachedModel 提供商模型列表缓存，按 (provider, model_id) 去重
type CachedModel struct {
	ID       uint      `gorm:"primaryKey" json:"-"`
	Provider string    `gorm:"uniqueIndex:idx_cached_model;not null" json:"provider"`
	ModelID  string    `gorm:"uniqueIndex:idx_cached_model;not null" json:"id"`
	Object   string    `json:"object"`
	Created  int64     `json:"created"`
	OwnedBy  string    `json:"owned_by"`
	CachedAt time.Time `gorm:"index" json:"-"`
}

// Fresh 判断缓存条目是否在 TTL 内
func (m *CachedModel) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(m.CachedAt) < ttl
}

// 请求日志类型
const (
	RequestTypeChat       = "chat"
	RequestTypeChatStream = "chat_stream"
	RequestTypeModels     = "models"
	RequestTypeProviderOp = "provider_op"
)

// RequestLog 不可变请求记录，每个被接受的对话请求最多写入一条
type RequestLog struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	Timestamp        time.Time `gorm:"index" json:"timestamp"`
	Method           string    `json:"method"`
	Path             string    `json:"path"`
	RequestType      string    `json:"request_type"`
	Model            string    `json:"model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	APIKeyDisplay    string    `json:"api_key,omitempty"` // 按展示策略脱敏
	ClientToken      string    `gorm:"index" json:"client_token,omitempty"`
	StatusCode       int       `json:"status_code"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
	TotalTokens      *int      `json:"total_tokens,omitempty"`
}

// AdminIdentityToken 管理口令在客户端面使用时的记账身份。
// 不对应任何存储行，不受配额限制。
const AdminIdentityToken = "admin_token"

// ClientToken 客户端令牌及其配额计数器。计数器只增不减。
type ClientToken struct {
	ID                    uint       `gorm:"primaryKey" json:"-"`
	Token                 string     `gorm:"uniqueIndex;not null" json:"token"`
	AllowedModels         string     `json:"allowed_models,omitempty"` // 逗号分隔，空为不限
	MaxTokens             *int64     `json:"max_tokens,omitempty"`
	MaxAmount             *float64   `json:"max_amount,omitempty"`
	Enabled               bool       `gorm:"default:true" json:"enabled"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	AmountSpent           float64    `json:"amount_spent"`
	PromptTokensSpent     int64      `json:"prompt_tokens_spent"`
	CompletionTokensSpent int64      `json:"completion_tokens_spent"`
	TotalTokensSpent      int64      `json:"total_tokens_spent"`
}

// Usable 判断令牌当前是否可用
func (t *ClientToken) Usable(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	if t.MaxTokens != nil && t.TotalTokensSpent >= *t.MaxTokens {
		return false
	}
	if t.MaxAmount != nil && t.AmountSpent >= *t.MaxAmount {
		return false
	}
	return true
}

// AllowsModel 校验模型白名单（入参为重定向并去掉提供商前缀后的名字）
func (t *ClientToken) AllowsModel(model string) bool {
	if strings.TrimSpace(t.AllowedModels) == "" {
		return true
	}
	for _, m := range strings.Split(t.AllowedModels, ",") {
		if strings.TrimSpace(m) == model {
			return true
		}
	}
	return false
}

// AdminKey 管理端公钥，按指纹（公钥 DER 的 SHA-256 十六进制）索引
type AdminKey struct {
	Fingerprint string     `gorm:"primaryKey" json:"fingerprint"`
	PublicKey   []byte     `gorm:"not null" json:"-"`
	Comment     string     `json:"comment,omitempty"`
	Enabled     bool       `gorm:"default:true" json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// Challenge 一次性签名挑战
type Challenge struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Fingerprint string    `gorm:"index" json:"-"`
	Nonce       string    `gorm:"not null" json:"nonce"` // base64，≥32 随机字节
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `gorm:"default:false" json:"-"`
}

// AdminSession 管理端会话令牌
type AdminSession struct {
	Token       string    `gorm:"primaryKey" json:"token"`
	Fingerprint string    `gorm:"index" json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid 判断会话是否仍然有效
func (s *AdminSession) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// LoginCode 一次性登录码（Web 控制台）
type LoginCode struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Code      string    `gorm:"uniqueIndex;not null" json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	Disabled  bool      `gorm:"default:false" json:"disabled"`
}

// Usable 判断登录码当前是否可兑换
func (c *LoginCode) Usable(now time.Time) bool {
	return !c.Disabled && now.Before(c.ExpiresAt) && c.Uses < c.MaxUses
}
