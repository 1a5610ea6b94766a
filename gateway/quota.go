package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 💳 配额与记账
// =============================================================================

// Precheck 在转发前校验令牌是否可以使用该模型。
// model 为重定向并去掉提供商前缀后的名字。
func Precheck(t *store.ClientToken, model string, now time.Time) error {
	if !t.Enabled {
		return types.NewError(types.ErrForbidden, "token is disabled")
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return types.NewError(types.ErrForbidden, "token has expired")
	}
	if t.MaxTokens != nil && t.TotalTokensSpent >= *t.MaxTokens {
		return types.NewError(types.ErrQuotaExceeded, "token quota exhausted")
	}
	if t.MaxAmount != nil && t.AmountSpent >= *t.MaxAmount {
		return types.NewError(types.ErrQuotaExceeded, "amount quota exhausted")
	}
	if !t.AllowsModel(model) {
		return types.Errorf(types.ErrForbidden, "model %q is not allowed for this token", model)
	}
	return nil
}

// Amount 按每百万 token 单价计算本次请求的费用
func Amount(price *store.ModelPrice, usage *types.Usage) float64 {
	if price == nil || usage == nil {
		return 0
	}
	p := float64(usage.PromptTokens) * price.PromptPerMillion
	c := float64(usage.CompletionTokens) * price.CompletionPerMillion
	return (p + c) / 1e6
}

// Accountant 把上游返回的用量计入令牌计数器
type Accountant struct {
	store  store.Store
	logger *zap.Logger
}

// NewAccountant 创建记账器
func NewAccountant(s store.Store, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accountant{store: s, logger: logger}
}

// Apply 记账一次请求。价格表缺项视为单价 0，只累计 token 数。
// 记账失败不影响已经返回给客户端的响应，只记日志。
func (a *Accountant) Apply(ctx context.Context, token, provider, model string, usage *types.Usage) {
	if usage == nil {
		return
	}
	price, err := a.store.GetPrice(ctx, provider, model)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("failed to load model price",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Error(err))
		price = nil
	}
	amount := Amount(price, usage)
	err = a.store.ApplyUsage(ctx, token,
		int64(usage.PromptTokens),
		int64(usage.CompletionTokens),
		int64(usage.TotalTokens),
		amount)
	if err != nil {
		a.logger.Error("failed to apply token usage",
			zap.String("model", model),
			zap.Int("total_tokens", usage.TotalTokens),
			zap.Error(err))
	}
}
