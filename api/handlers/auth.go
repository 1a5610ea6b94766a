package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🛡️ 管理端认证
// =============================================================================

// sessionCookie 登录码兑换后种下的会话 cookie
const sessionCookie = "gw_session"

// AuthChallenge POST /auth/tui/challenge
func (h *Handler) AuthChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.Fingerprint == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "fingerprint is required"), h.Logger)
		return
	}

	c, err := h.Auth.BeginChallenge(r.Context(), req.Fingerprint)
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"challenge_id": c.ID,
		"nonce":        c.Nonce,
		"expires_at":   c.ExpiresAt.Unix(),
		"alg":          "ed25519",
	})
}

// AuthVerify POST /auth/tui/verify
func (h *Handler) AuthVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Fingerprint string `json:"fingerprint"`
		Signature   string `json:"signature"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.ChallengeID == "" || req.Fingerprint == "" || req.Signature == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "challenge_id, fingerprint, and signature are required"), h.Logger)
		return
	}

	sess, err := h.Auth.VerifyChallenge(r.Context(), req.ChallengeID, req.Fingerprint, req.Signature)
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt.Unix(),
	})
}

// AuthStatus GET /auth/status（需要管理端认证）
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	identity, _ := ctxkeys.AdminIdentity(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"identity":      identity,
	})
}

// RegisterAdminKey POST /auth/keys（需要管理端认证）
func (h *Handler) RegisterAdminKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
		Comment   string `json:"comment"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.PublicKey == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "public_key is required"), h.Logger)
		return
	}

	key, err := h.Auth.RegisterKey(r.Context(), req.PublicKey, req.Comment)
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	WriteJSON(w, http.StatusCreated, key)
}

// ListAdminKeys GET /auth/keys（需要管理端认证）
func (h *Handler) ListAdminKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListAdminKeys(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrStorage, "failed to list admin keys").WithCause(err), h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": keys})
}

// DeleteAdminKey DELETE /auth/keys/{fingerprint}（需要管理端认证）
func (h *Handler) DeleteAdminKey(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")
	if err := h.Store.DeleteAdminKey(r.Context(), fingerprint); err != nil {
		WriteError(w, types.NewError(types.ErrNotFound, "unknown key fingerprint"), h.Logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateLoginCode POST /auth/login-codes（需要管理端认证）。
// magic_url 为真时额外返回可直接打开的兑换链接。
func (h *Handler) CreateLoginCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSecs  int  `json:"ttl_secs"`
		MaxUses  int  `json:"max_uses"`
		Length   int  `json:"length"`
		MagicURL bool `json:"magic_url"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}

	lc, err := h.Auth.CreateLoginCode(r.Context(), req.TTLSecs, req.MaxUses, req.Length)
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	resp := map[string]any{
		"code":       lc.Code,
		"expires_at": lc.ExpiresAt.Unix(),
		"max_uses":   lc.MaxUses,
	}
	if req.MagicURL {
		resp["magic_url"] = "/auth/redeem?code=" + url.QueryEscape(lc.Code)
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// LoginCodeStatus GET /auth/login-codes/status（需要管理端认证）
func (h *Handler) LoginCodeStatus(w http.ResponseWriter, r *http.Request) {
	lc, err := h.Auth.LatestLoginCode(r.Context())
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"code":       lc.Code,
		"created_at": lc.CreatedAt.Unix(),
		"expires_at": lc.ExpiresAt.Unix(),
		"max_uses":   lc.MaxUses,
		"uses":       lc.Uses,
		"usable":     lc.Usable(time.Now()),
	})
}

// RedeemLoginCode POST /auth/redeem
// 成功时把会话写进 HttpOnly cookie，返回 204。
func (h *Handler) RedeemLoginCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	if req.Code == "" {
		WriteError(w, types.NewError(types.ErrBadRequest, "code is required"), h.Logger)
		return
	}

	sess, err := h.Auth.RedeemLoginCode(r.Context(), req.Code)
	if err != nil {
		WriteError(w, err, h.Logger)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
