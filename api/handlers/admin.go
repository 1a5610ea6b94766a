package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/gateflow/gateway"
	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🔧 管理面：提供商 / 密钥 / 令牌 / 价格
// =============================================================================

// ListProviders GET /admin/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	provs, err := h.Store.ListProviders(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to list providers").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": provs})
}

// CreateProvider POST /admin/providers
func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		APIType        string   `json:"api_type"`
		BaseURL        string   `json:"base_url"`
		ModelsEndpoint string   `json:"models_endpoint"`
		Keys           []string `json:"keys"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.Name == "" || req.APIType == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "name and api_type are required"), h.Logger)
		return
	}
	switch req.APIType {
	case store.APITypeOpenAI, store.APITypeAnthropic, store.APITypeZhipu:
	default:
		WriteError(w, types.Errorf(types.ErrBadRequest, "unsupported api_type %q", req.APIType), h.Logger)
		return
	}
	if _, err := h.Store.GetProvider(r.Context(), req.Name); err == nil {
		WriteError(w, types.Errorf(types.ErrConflict, "provider %q already exists", req.Name), h.Logger)
		return
	}

	p := &store.Provider{
		Name:           req.Name,
		APIType:        req.APIType,
		BaseURL:        req.BaseURL,
		ModelsEndpoint: req.ModelsEndpoint,
	}
	if err := h.Store.CreateProvider(r.Context(), p); err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to create provider").WithCause(err), h.Logger)
		return
	}
	for _, k := range req.Keys {
		if err := h.Store.AddKey(r.Context(), p.Name, k); err != nil {
			WriteError(w, types.NewError(types.ErrStorage, "failed to add key").WithCause(err), h.Logger)
			return
		}
	}
	WriteJSON(w, http.StatusCreated, p)
}

// DeleteProvider DELETE /admin/providers/{name}
// 级联删除该提供商的密钥与模型缓存。
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := h.Store.DeleteProvider(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.Errorf(types.ErrNotFound, "provider %q is not configured", name), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to delete provider").WithCause(err), h.Logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListProviderKeys GET /admin/providers/{name}/keys（按展示策略脱敏）
func (h *Handler) ListProviderKeys(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	keys, err := h.Store.ListKeys(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.Errorf(types.ErrNotFound, "provider %q is not configured", name), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to list keys").WithCause(err), h.Logger)
		return
	}
	display := make([]string, 0, len(keys))
	for _, k := range keys {
		display = append(display, gateway.DisplayKey(k, h.KeyDisplay))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": display})
}

// AddProviderKey POST /admin/providers/{name}/keys
func (h *Handler) AddProviderKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Key string `json:"key"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.Key == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "key is required"), h.Logger)
		return
	}

	err := h.Store.AddKey(r.Context(), name, req.Key)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.Errorf(types.ErrNotFound, "provider %q is not configured", name), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to add key").WithCause(err), h.Logger)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DeleteProviderKey DELETE /admin/providers/{name}/keys
// 密钥在请求体里传递，避免出现在 URL 与访问日志中。
func (h *Handler) DeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Key string `json:"key"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}

	err := h.Store.DeleteKey(r.Context(), name, req.Key)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, "key not found"), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to delete key").WithCause(err), h.Logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenRequest 令牌创建/更新入参
type tokenRequest struct {
	Token         string   `json:"token"`
	AllowedModels string   `json:"allowed_models"`
	MaxTokens     *int64   `json:"max_tokens"`
	MaxAmount     *float64 `json:"max_amount"`
	Enabled       *bool    `json:"enabled"`
	ExpiresAt     *int64   `json:"expires_at"` // unix 秒
}

// ListTokens GET /admin/tokens
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.Store.ListTokens(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to list tokens").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": tokens})
}

// CreateToken POST /admin/tokens。未指定 token 时生成 sk- 前缀随机串。
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}

	token := req.Token
	if token == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			WriteError(w, types.NewError(types.ErrInternal, "failed to generate token").WithCause(err), h.Logger)
			return
		}
		token = "sk-" + hex.EncodeToString(raw)
	}
	if _, err := h.Store.GetToken(r.Context(), token); err == nil {
		WriteError(w, types.NewError(types.ErrConflict, "token already exists"), h.Logger)
		return
	}

	t := &store.ClientToken{
		Token:         token,
		AllowedModels: req.AllowedModels,
		MaxTokens:     req.MaxTokens,
		MaxAmount:     req.MaxAmount,
		Enabled:       true,
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.ExpiresAt != nil {
		ts := time.Unix(*req.ExpiresAt, 0)
		t.ExpiresAt = &ts
	}
	if err := h.Store.CreateToken(r.Context(), t); err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to create token").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusCreated, t)
}

// GetToken GET /admin/tokens/{token}
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetToken(r.Context(), r.PathValue("token"))
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, "token not found"), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to load token").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// UpdateToken PATCH /admin/tokens/{token}。只更新出现的字段，计数器不可改。
func (h *Handler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetToken(r.Context(), r.PathValue("token"))
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, "token not found"), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to load token").WithCause(err), h.Logger)
		return
	}

	var req struct {
		AllowedModels *string  `json:"allowed_models"`
		MaxTokens     *int64   `json:"max_tokens"`
		MaxAmount     *float64 `json:"max_amount"`
		Enabled       *bool    `json:"enabled"`
		ExpiresAt     *int64   `json:"expires_at"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.AllowedModels != nil {
		t.AllowedModels = *req.AllowedModels
	}
	if req.MaxTokens != nil {
		t.MaxTokens = req.MaxTokens
	}
	if req.MaxAmount != nil {
		t.MaxAmount = req.MaxAmount
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.ExpiresAt != nil {
		ts := time.Unix(*req.ExpiresAt, 0)
		t.ExpiresAt = &ts
	}
	if err := h.Store.UpdateToken(r.Context(), t); err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to update token").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// DeleteToken DELETE /admin/tokens/{token}
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	err := h.Store.DeleteToken(r.Context(), r.PathValue("token"))
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, "token not found"), h.Logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to delete token").WithCause(err), h.Logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPrice PUT /admin/prices
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider             string  `json:"provider"`
		Model                string  `json:"model"`
		PromptPerMillion     float64 `json:"prompt_per_million"`
		CompletionPerMillion float64 `json:"completion_per_million"`
		Currency             string  `json:"currency"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.Provider == "" || req.Model == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "provider and model are required"), h.Logger)
		return
	}
	if req.PromptPerMillion < 0 || req.CompletionPerMillion < 0 {
		WriteError(w, types.NewError(types.ErrBadRequest, "prices must not be negative"), h.Logger)
		return
	}

	p := &store.ModelPrice{
		Provider:             req.Provider,
		Model:                req.Model,
		PromptPerMillion:     req.PromptPerMillion,
		CompletionPerMillion: req.CompletionPerMillion,
		Currency:             req.Currency,
	}
	if err := h.Store.SetPrice(r.Context(), p); err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to set price").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}
