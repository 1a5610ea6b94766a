package handlers

import (
	"net/http"
	"strconv"

	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🎫 令牌自助查询
// =============================================================================

// balanceResponse 余额视图。limit 为空表示不限。
type balanceResponse struct {
	AllowedModels         string     `json:"allowed_models,omitempty"`
	Enabled               bool       `json:"enabled"`
	ExpiresAt             *int64     `json:"expires_at,omitempty"`
	MaxTokens             *int64     `json:"max_tokens,omitempty"`
	MaxAmount             *float64   `json:"max_amount,omitempty"`
	PromptTokensSpent     int64      `json:"prompt_tokens_spent"`
	CompletionTokensSpent int64      `json:"completion_tokens_spent"`
	TotalTokensSpent      int64      `json:"total_tokens_spent"`
	AmountSpent           float64    `json:"amount_spent"`
	TokensRemaining       *int64     `json:"tokens_remaining,omitempty"`
	AmountRemaining       *float64   `json:"amount_remaining,omitempty"`
}

// TokenBalance GET /v1/token/balance
func (h *Handler) TokenBalance(w http.ResponseWriter, r *http.Request) {
	t, ok := ctxkeys.ClientToken(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthorized, "missing or invalid token"), h.Logger)
		return
	}

	resp := balanceResponse{
		AllowedModels:         t.AllowedModels,
		Enabled:               t.Enabled,
		MaxTokens:             t.MaxTokens,
		MaxAmount:             t.MaxAmount,
		PromptTokensSpent:     t.PromptTokensSpent,
		CompletionTokensSpent: t.CompletionTokensSpent,
		TotalTokensSpent:      t.TotalTokensSpent,
		AmountSpent:           t.AmountSpent,
	}
	if t.ExpiresAt != nil {
		ts := t.ExpiresAt.Unix()
		resp.ExpiresAt = &ts
	}
	if t.MaxTokens != nil {
		remaining := *t.MaxTokens - t.TotalTokensSpent
		if remaining < 0 {
			remaining = 0
		}
		resp.TokensRemaining = &remaining
	}
	if t.MaxAmount != nil {
		remaining := *t.MaxAmount - t.AmountSpent
		if remaining < 0 {
			remaining = 0
		}
		resp.AmountRemaining = &remaining
	}
	WriteJSON(w, http.StatusOK, resp)
}

// TokenUsage GET /v1/token/usage?limit=N
// limit 取值 [1, 1000]，默认 100；返回时间升序（最新在后）。
func (h *Handler) TokenUsage(w http.ResponseWriter, r *http.Request) {
	t, ok := ctxkeys.ClientToken(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthorized, "missing or invalid token"), h.Logger)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteError(w, types.NewError(types.ErrBadRequest, "limit must be an integer in [1, 1000]"), h.Logger)
			return
		}
		limit = n
	}

	logs, err := h.Store.RecentByToken(r.Context(), t.Token, limit)
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to load usage records").WithCause(err), h.Logger)
		return
	}
	if logs == nil {
		logs = []store.RequestLog{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": logs})
}
