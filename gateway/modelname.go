// Package gateway 实现请求的路由决策：模型名解析与重定向、
// 提供商/密钥调度，以及令牌配额检查与记账。
package gateway

import (
	"strings"
	"sync"
)

// =============================================================================
// 🧭 模型名解析
// =============================================================================

// ParsedModel 解析后的模型名。Provider 为空表示未指定提供商。
type ParsedModel struct {
	Provider string
	Model    string
}

// ParseModel 按第一个 "/" 切分模型名：
//
//	"openai/gpt-4o"          → {openai, gpt-4o}
//	"zhipu/glm-4/plus"       → {zhipu, glm-4/plus}
//	"gpt-4o"                 → {"", gpt-4o}
func ParseModel(name string) ParsedModel {
	if idx := strings.Index(name, "/"); idx >= 0 {
		return ParsedModel{Provider: name[:idx], Model: name[idx+1:]}
	}
	return ParsedModel{Model: name}
}

// String 还原为请求时的写法
func (p ParsedModel) String() string {
	if p.Provider == "" {
		return p.Model
	}
	return p.Provider + "/" + p.Model
}

// Redirector 模型重定向表。Apply 必须幂等：Apply(Apply(x)) == Apply(x)，
// 因此 Reload 时先把规则值归约到不动点。
type Redirector struct {
	mu    sync.RWMutex
	rules map[string]string
}

// NewRedirector 创建空的重定向表
func NewRedirector() *Redirector {
	return &Redirector{rules: map[string]string{}}
}

// Reload 整体替换规则并做不动点归约。
// 链式规则 a→b、b→c 归约为 a→c、b→c；环（a→b、b→a）在检测到时
// 截断于环入口，保证归约终止。
func (r *Redirector) Reload(rules map[string]string) {
	resolved := make(map[string]string, len(rules))
	for from := range rules {
		target := rules[from]
		seen := map[string]bool{from: true}
		for {
			next, ok := rules[target]
			if !ok || seen[target] {
				break
			}
			seen[target] = true
			target = next
		}
		resolved[from] = target
	}
	r.mu.Lock()
	r.rules = resolved
	r.mu.Unlock()
}

// Apply 单次查表；未命中返回原名
func (r *Redirector) Apply(model string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if to, ok := r.rules[model]; ok {
		return to
	}
	return model
}
