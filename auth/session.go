package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// newSession 签发 12 小时会话，令牌为 40 个十六进制字符
func (s *Service) newSession(ctx context.Context, fingerprint string) (*store.AdminSession, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to generate session token").WithCause(err)
	}
	sess := &store.AdminSession{
		Token:       hex.EncodeToString(raw),
		Fingerprint: fingerprint,
		ExpiresAt:   time.Now().Add(sessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to save session").WithCause(err)
	}
	return sess, nil
}

// ValidateSession 校验会话令牌，过期或未知返回 unauthorized
func (s *Service) ValidateSession(ctx context.Context, token string) (*store.AdminSession, error) {
	sess, err := s.store.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrUnauthorized, "invalid session")
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to load session").WithCause(err)
	}
	if !sess.Valid(time.Now()) {
		return nil, types.NewError(types.ErrUnauthorized, "session has expired")
	}
	return sess, nil
}
