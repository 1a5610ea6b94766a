package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🚦 调度器
// =============================================================================

// Strategy 密钥选取策略
type Strategy string

const (
	StrategyFirstAvailable Strategy = "first_available" // 总是从第一个密钥开始
	StrategyRoundRobin     Strategy = "round_robin"     // 每个提供商独立轮转
	StrategyRandom         Strategy = "random"          // 随机打乱
)

// ValidStrategy 校验策略名
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyFirstAvailable, StrategyRoundRobin, StrategyRandom:
		return true
	}
	return false
}

// Selection 一次调度结果：目标提供商与按策略排好序的候选密钥。
// 调用方按序尝试，失败转移预算为 min(3, len(Keys))。
type Selection struct {
	Provider *store.Provider
	Keys     []string
	Parsed   ParsedModel // 重定向之后的模型名
}

// MaxAttempts 本次请求允许的尝试次数
func (s *Selection) MaxAttempts() int {
	if len(s.Keys) < 3 {
		return len(s.Keys)
	}
	return 3
}

// Dispatcher 把（重定向后的）模型名解析为提供商与密钥序列
type Dispatcher struct {
	store    store.Store
	redirect *Redirector
	strategy Strategy

	mu      sync.Mutex
	cursors map[string]*atomic.Uint64 // provider → round-robin 游标
}

// NewDispatcher 创建调度器
func NewDispatcher(s store.Store, redirect *Redirector, strategy Strategy) *Dispatcher {
	if !ValidStrategy(strategy) {
		strategy = StrategyFirstAvailable
	}
	return &Dispatcher{
		store:    s,
		redirect: redirect,
		strategy: strategy,
		cursors:  map[string]*atomic.Uint64{},
	}
}

// Redirect 暴露重定向结果（请求日志记录重定向后的名字）
func (d *Dispatcher) Redirect(model string) string {
	return d.redirect.Apply(model)
}

// Select 为模型选择提供商与密钥。
// 错误区分度从高到低：no_key > model_not_supported > no_provider。
func (d *Dispatcher) Select(ctx context.Context, model string) (*Selection, error) {
	parsed := ParseModel(d.redirect.Apply(model))
	if parsed.Model == "" {
		return nil, types.NewError(types.ErrBadRequest, "model name is empty")
	}

	// 显式指定提供商：直接定位
	if parsed.Provider != "" {
		p, err := d.store.GetProvider(ctx, parsed.Provider)
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.Errorf(types.ErrNoProvider, "provider %q is not configured", parsed.Provider)
		}
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "failed to load provider").WithCause(err)
		}
		return d.selection(ctx, p, parsed)
	}

	// 未指定提供商：在模型缓存中找包含该模型的提供商
	names, err := d.store.ProvidersWithModel(ctx, parsed.Model)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to query model cache").WithCause(err)
	}
	if len(names) == 0 {
		return nil, types.Errorf(types.ErrModelNotSupported, "no provider serves model %q", parsed.Model)
	}

	// 候选里挑第一个有密钥的；全部无密钥时报 no_key
	var lastErr error
	for _, name := range names {
		p, err := d.store.GetProvider(ctx, name)
		if err != nil {
			continue
		}
		sel, err := d.selection(ctx, p, ParsedModel{Provider: name, Model: parsed.Model})
		if err != nil {
			lastErr = err
			continue
		}
		return sel, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.Errorf(types.ErrModelNotSupported, "no provider serves model %q", parsed.Model)
}

func (d *Dispatcher) selection(ctx context.Context, p *store.Provider, parsed ParsedModel) (*Selection, error) {
	keys, err := d.store.ListKeys(ctx, p.Name)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to list keys").WithCause(err)
	}
	if len(keys) == 0 {
		return nil, types.Errorf(types.ErrNoKey, "provider %q has no API keys", p.Name)
	}
	return &Selection{Provider: p, Keys: d.order(p.Name, keys), Parsed: parsed}, nil
}

// order 按策略重排密钥序列
func (d *Dispatcher) order(provider string, keys []string) []string {
	switch d.strategy {
	case StrategyRoundRobin:
		d.mu.Lock()
		cur, ok := d.cursors[provider]
		if !ok {
			cur = &atomic.Uint64{}
			d.cursors[provider] = cur
		}
		d.mu.Unlock()
		start := int(cur.Add(1)-1) % len(keys)
		out := make([]string, 0, len(keys))
		for i := 0; i < len(keys); i++ {
			out = append(out, keys[(start+i)%len(keys)])
		}
		return out
	case StrategyRandom:
		out := make([]string, len(keys))
		copy(out, keys)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	default:
		return keys
	}
}
