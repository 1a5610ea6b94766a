// Package providers 定义上游适配器接口与按 API 类型构造适配器的工厂。
// 网关内部统一使用 OpenAI Chat Completions 形状，各适配器负责双向翻译。
package providers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
)

// Config 适配器构造参数，来自提供商表的一行
type Config struct {
	Name           string // 提供商名（路由前缀）
	APIType        string // openai / anthropic / zhipu
	BaseURL        string
	ModelsEndpoint string // 可选，覆盖模型列表路径
	Timeout        time.Duration
}

// StreamEvent 流式转发的一个事件。
// Data 是上游 SSE 的原始 data 负载，逐字转发给客户端；
// Usage 在本事件携带用量时非空；Done 表示上游发出 [DONE]。
type StreamEvent struct {
	Data  string
	Done  bool
	Usage *types.Usage
	Err   error
}

// ChatProvider 上游适配器
type ChatProvider interface {
	Name() string
	// Chat 非流式对话。返回统一的 OpenAI 形状响应。
	Chat(ctx context.Context, apiKey string, req *types.ChatRequest) (*types.ChatResponse, error)
	// ChatStream 流式对话。通道在上游结束或出错后关闭。
	ChatStream(ctx context.Context, apiKey string, req *types.ChatRequest) (<-chan StreamEvent, error)
	// ListModels 拉取上游模型列表
	ListModels(ctx context.Context, apiKey string) ([]types.Model, error)
}

// Factory 按 API 类型构造适配器；由各子包在注册表里填充
type Factory func(cfg Config, logger *zap.Logger) ChatProvider

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory 注册 API 类型的适配器工厂（在各子包 init 中调用）
func RegisterFactory(apiType string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[apiType] = f
}

// New 按配置构造适配器；未知 API 类型返回 config 错误
func New(cfg Config, logger *zap.Logger) (ChatProvider, error) {
	factoryMu.RLock()
	f, ok := factories[cfg.APIType]
	factoryMu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrConfig, "unknown api type %q", cfg.APIType)
	}
	return f(cfg, logger), nil
}

// Registry 按提供商行缓存适配器实例，避免每个请求重建 http.Client
type Registry struct {
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]ChatProvider // name|apiType|baseURL → 实例
}

// NewRegistry 创建适配器缓存
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, cache: map[string]ChatProvider{}}
}

// Get 返回该配置对应的适配器，必要时构造并缓存。
// 配置变化（base_url 变更）产生新的缓存键，旧实例被自然淘汰。
func (r *Registry) Get(cfg Config) (ChatProvider, error) {
	key := cfg.Name + "|" + cfg.APIType + "|" + cfg.BaseURL + "|" + cfg.ModelsEndpoint
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}
	p, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.cache[key] = p
	return p, nil
}
