package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/gateway"
	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/providers"
	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 💬 对话转发
// =============================================================================

// Handler 聚合全部端点依赖
type Handler struct {
	Store      store.Store
	Dispatcher *gateway.Dispatcher
	Registry   *providers.Registry
	Accountant *gateway.Accountant
	Metrics    *metrics.Collector
	Auth       *auth.Service
	Logger     *zap.Logger

	KeyDisplay      string
	UpstreamTimeout time.Duration
	ModelCacheTTL   time.Duration
}

// providerConfig 把提供商表行转为适配器配置
func (h *Handler) providerConfig(p *store.Provider) providers.Config {
	return providers.Config{
		Name:           p.Name,
		APIType:        p.APIType,
		BaseURL:        p.BaseURL,
		ModelsEndpoint: p.ModelsEndpoint,
		Timeout:        h.UpstreamTimeout,
	}
}

// ChatCompletions POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	token, ok := ctxkeys.ClientToken(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthorized, "missing or invalid token"), h.Logger)
		return
	}

	var req types.ChatRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.Model == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "model is required"), h.Logger)
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, types.NewError(types.ErrBadRequest, "messages must not be empty"), h.Logger)
		return
	}

	// 重定向 → 配额检查 → 调度。
	// 配额先查：受限令牌探测模型名时不泄露提供商配置与否。
	bare := gateway.ParseModel(h.Dispatcher.Redirect(req.Model)).Model
	if bare != "" {
		if err := gateway.Precheck(token, bare, time.Now()); err != nil {
			WriteError(w, err, h.Logger)
			return
		}
	}
	sel, err := h.Dispatcher.Select(r.Context(), req.Model)
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	prov, err := h.Registry.Get(h.providerConfig(sel.Provider))
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}

	// 上游只认裸模型名
	req.Model = sel.Parsed.Model

	if req.Stream {
		h.relayStream(w, r, token, sel, prov, &req)
		return
	}
	h.chatOnce(w, r, token, sel, prov, &req)
}

// chatOnce 非流式转发，按密钥序列做失败转移
func (h *Handler) chatOnce(w http.ResponseWriter, r *http.Request, token *store.ClientToken, sel *gateway.Selection, prov providers.ChatProvider, req *types.ChatRequest) {
	start := time.Now()
	var (
		resp    *types.ChatResponse
		lastErr error
		usedKey string
	)
	attempts := sel.MaxAttempts()
	for i := 0; i < attempts; i++ {
		usedKey = sel.Keys[i]
		resp, lastErr = prov.Chat(r.Context(), usedKey, req)
		if lastErr == nil {
			break
		}
		if !types.IsRetryable(lastErr) || i == attempts-1 {
			break
		}
		h.Metrics.RecordFailover(sel.Provider.Name)
		h.Logger.Warn("retrying with next key",
			zap.String("provider", sel.Provider.Name),
			zap.String("model", req.Model),
			zap.Int("attempt", i+1),
			zap.Error(lastErr))
	}

	elapsed := time.Since(start)
	if lastErr != nil {
		e := types.AsError(lastErr)
		status := StatusOf(e)
		h.Metrics.RecordUpstreamRequest(sel.Provider.Name, req.Model, strconv.Itoa(status), elapsed)
		h.logRequest(r, token, sel, usedKey, req.Model, store.RequestTypeChat, status, elapsed, nil)
		WriteError(w, e, h.Logger)
		return
	}

	h.Metrics.RecordUpstreamRequest(sel.Provider.Name, req.Model, "200", elapsed)
	h.settle(r.Context(), token, sel, req.Model, resp.Usage)
	h.logRequest(r, token, sel, usedKey, req.Model, store.RequestTypeChat, http.StatusOK, elapsed, resp.Usage)
	WriteJSON(w, http.StatusOK, resp)
}

// settle 记账并打点。管理身份没有存储行，只打点不入库。
func (h *Handler) settle(ctx context.Context, token *store.ClientToken, sel *gateway.Selection, model string, usage *types.Usage) {
	if usage == nil {
		return
	}
	if token.Token != store.AdminIdentityToken {
		h.Accountant.Apply(ctx, token.Token, sel.Provider.Name, model, usage)
	}
	price, _ := h.Store.GetPrice(ctx, sel.Provider.Name, model)
	h.Metrics.RecordTokens(sel.Provider.Name, model, usage.PromptTokens, usage.CompletionTokens, gateway.Amount(price, usage))
}

// logRequest 每个被接受的请求最多写一条日志
func (h *Handler) logRequest(r *http.Request, token *store.ClientToken, sel *gateway.Selection, key, model, reqType string, status int, elapsed time.Duration, usage *types.Usage) {
	entry := &store.RequestLog{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestType:    reqType,
		Model:          model,
		Provider:       sel.Provider.Name,
		APIKeyDisplay:  gateway.DisplayKey(key, h.KeyDisplay),
		ClientToken:    token.Token,
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if usage != nil {
		p, c, t := usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens = &p, &c, &t
	}
	// 写日志失败不影响响应
	if err := h.Store.InsertLog(context.WithoutCancel(r.Context()), entry); err != nil {
		h.Logger.Error("failed to insert request log", zap.Error(err))
	}
}
