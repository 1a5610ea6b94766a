package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📚 模型列表
// =============================================================================

// Models GET /v1/models
// 聚合所有提供商的模型，ID 带提供商前缀（provider/model）。
// 缓存过期的提供商并行刷新；刷新失败时退回旧缓存。
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	provs, err := h.Store.ListProviders(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to list providers").WithCause(err), h.Logger)
		return
	}

	now := time.Now()
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(4)
	for i := range provs {
		p := provs[i]
		g.Go(func() error {
			h.refreshModels(ctx, &p, now)
			return nil // 刷新失败不影响整体响应
		})
	}
	_ = g.Wait()

	var out []types.Model
	for i := range provs {
		cached, err := h.Store.ModelsByProvider(r.Context(), provs[i].Name)
		if err != nil {
			continue
		}
		for _, m := range cached {
			out = append(out, types.Model{
				ID:      provs[i].Name + "/" + m.ModelID,
				Object:  "model",
				Created: m.Created,
				OwnedBy: m.OwnedBy,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, types.ModelList{Object: "list", Data: out})
}

// refreshModels 在缓存过期时拉取上游模型列表并整体替换
func (h *Handler) refreshModels(ctx context.Context, p *store.Provider, now time.Time) {
	cached, err := h.Store.ModelsByProvider(ctx, p.Name)
	if err == nil && len(cached) > 0 && cached[0].Fresh(now, h.ModelCacheTTL) {
		return
	}

	keys, err := h.Store.ListKeys(ctx, p.Name)
	if err != nil || len(keys) == 0 {
		return
	}
	prov, err := h.Registry.Get(h.providerConfig(p))
	if err != nil {
		return
	}
	models, err := prov.ListModels(ctx, keys[0])
	if err != nil {
		h.Logger.Warn("failed to refresh model list",
			zap.String("provider", p.Name), zap.Error(err))
		return
	}

	rows := make([]store.CachedModel, 0, len(models))
	for _, m := range models {
		rows = append(rows, store.CachedModel{
			ModelID: m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	if err := h.Store.PutModels(ctx, p.Name, rows); err != nil {
		h.Logger.Warn("failed to cache model list",
			zap.String("provider", p.Name), zap.Error(err))
	}
}
