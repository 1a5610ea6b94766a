package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

// 登录码参数边界
const (
	MinCodeTTLSeconds = 1
	MaxCodeTTLSeconds = 86400
	MinCodeUses       = 1
	MaxCodeUses       = 1000
	MinCodeLength     = 25
	MaxCodeLength     = 64

	defaultCodeTTLSeconds = 600
	defaultCodeUses       = 1
	defaultCodeLength     = 32
)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomCode 生成指定长度的随机字母数字码
func randomCode(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}

// CreateLoginCode 生成一次性登录码。入参为 0 时取默认值，越界直接拒绝。
func (s *Service) CreateLoginCode(ctx context.Context, ttlSeconds, maxUses, length int) (*store.LoginCode, error) {
	if ttlSeconds == 0 {
		ttlSeconds = defaultCodeTTLSeconds
	}
	if maxUses == 0 {
		maxUses = defaultCodeUses
	}
	if length == 0 {
		length = defaultCodeLength
	}
	if ttlSeconds < MinCodeTTLSeconds || ttlSeconds > MaxCodeTTLSeconds {
		return nil, types.Errorf(types.ErrBadRequest, "ttl_secs must be in [%d, %d]", MinCodeTTLSeconds, MaxCodeTTLSeconds)
	}
	if maxUses < MinCodeUses || maxUses > MaxCodeUses {
		return nil, types.Errorf(types.ErrBadRequest, "max_uses must be in [%d, %d]", MinCodeUses, MaxCodeUses)
	}
	if length < MinCodeLength || length > MaxCodeLength {
		return nil, types.Errorf(types.ErrBadRequest, "length must be in [%d, %d]", MinCodeLength, MaxCodeLength)
	}

	code, err := randomCode(length)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to generate login code").WithCause(err)
	}
	now := time.Now()
	lc := &store.LoginCode{
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlSeconds) * time.Second),
		MaxUses:   maxUses,
	}
	if err := s.store.CreateLoginCode(ctx, lc); err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to save login code").WithCause(err)
	}
	return lc, nil
}

// LatestLoginCode 返回最近创建的登录码（CLI 打印用）
func (s *Service) LatestLoginCode(ctx context.Context) (*store.LoginCode, error) {
	lc, err := s.store.LatestLoginCode(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, "no login code has been created")
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to load login code").WithCause(err)
	}
	return lc, nil
}

// RedeemLoginCode 原子兑换登录码并签发会话。
// 并发争抢最后一个名额时只有一个调用者成功，其余拿到 bad_request。
func (s *Service) RedeemLoginCode(ctx context.Context, code string) (*store.AdminSession, error) {
	_, err := s.store.RedeemLoginCode(ctx, code, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrBadRequest, "login code is unknown, expired, or exhausted")
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to redeem login code").WithCause(err)
	}
	// 登录码会话不绑定具体公钥
	return s.newSession(ctx, "")
}
