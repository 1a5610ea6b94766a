// Package auth 实现管理端认证：ed25519 挑战-签名登录、
// 会话令牌与一次性登录码。
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

const (
	nonceSize    = 32
	challengeTTL = 60 * time.Second
	sessionTTL   = 12 * time.Hour
)

// Service 管理端认证服务
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService 创建认证服务
func NewService(s store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, logger: logger}
}

// ParsePublicKey 解析 base64 公钥（裸 32 字节或 PKIX DER），
// 返回密钥与指纹（PKIX DER 的 SHA-256 十六进制）。
func ParsePublicKey(b64 string) (ed25519.PublicKey, string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", types.NewError(types.ErrBadRequest, "public key is not valid base64").WithCause(err)
	}
	var pub ed25519.PublicKey
	if len(raw) == ed25519.PublicKeySize {
		pub = ed25519.PublicKey(raw)
	} else {
		parsed, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, "", types.NewError(types.ErrBadRequest, "public key is neither raw ed25519 nor PKIX DER").WithCause(err)
		}
		var ok bool
		pub, ok = parsed.(ed25519.PublicKey)
		if !ok {
			return nil, "", types.NewError(types.ErrBadRequest, "public key is not ed25519")
		}
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, "", types.NewError(types.ErrInternal, "failed to encode public key").WithCause(err)
	}
	sum := sha256.Sum256(der)
	return pub, hex.EncodeToString(sum[:]), nil
}

// RegisterKey 登记管理端公钥
func (s *Service) RegisterKey(ctx context.Context, publicKeyB64, comment string) (*store.AdminKey, error) {
	pub, fingerprint, err := ParsePublicKey(publicKeyB64)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetAdminKey(ctx, fingerprint); err == nil {
		return nil, types.NewError(types.ErrConflict, "public key is already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrStorage, "failed to check admin key").WithCause(err)
	}
	key := &store.AdminKey{
		Fingerprint: fingerprint,
		PublicKey:   pub,
		Comment:     comment,
		Enabled:     true,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateAdminKey(ctx, key); err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to save admin key").WithCause(err)
	}
	return key, nil
}

// BeginChallenge 为指纹签发一次性挑战（60 秒有效）
func (s *Service) BeginChallenge(ctx context.Context, fingerprint string) (*store.Challenge, error) {
	key, err := s.store.GetAdminKey(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, "unknown key fingerprint")
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to load admin key").WithCause(err)
	}
	if !key.Enabled {
		return nil, types.NewError(types.ErrForbidden, "admin key is disabled")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to generate nonce").WithCause(err)
	}
	c := &store.Challenge{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		ExpiresAt:   time.Now().Add(challengeTTL),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to save challenge").WithCause(err)
	}
	return c, nil
}

// VerifyChallenge 校验签名并签发会话。
// 挑战先以 CAS 方式消费再验签：签名无效也会烧掉挑战，
// 同一挑战最多只有一次验签机会。
func (s *Service) VerifyChallenge(ctx context.Context, challengeID, fingerprint, signatureB64 string) (*store.AdminSession, error) {
	now := time.Now()
	c, err := s.store.ConsumeChallenge(ctx, challengeID, fingerprint, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrUnauthorized, "challenge is unknown, expired, or already used")
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to consume challenge").WithCause(err)
	}

	key, err := s.store.GetAdminKey(ctx, fingerprint)
	if err != nil || !key.Enabled {
		return nil, types.NewError(types.ErrUnauthorized, "admin key is unknown or disabled")
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthorized, "signature is not valid base64")
	}
	nonce, err := base64.StdEncoding.DecodeString(c.Nonce)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "stored nonce is corrupt")
	}
	if !ed25519.Verify(ed25519.PublicKey(key.PublicKey), nonce, sig) {
		return nil, types.NewError(types.ErrUnauthorized, "signature verification failed")
	}

	if err := s.store.TouchAdminKey(ctx, fingerprint, now); err != nil {
		s.logger.Warn("failed to record key usage", zap.Error(err))
	}
	return s.newSession(ctx, fingerprint)
}
