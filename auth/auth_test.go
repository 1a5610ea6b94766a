package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/gateflow/store"
	"github.com/BaSui01/gateflow/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.InitDatabase(db))
	return NewService(store.NewGormStore(db, zap.NewNop()), zap.NewNop())
}

func genKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pub, priv, base64.StdEncoding.EncodeToString(der)
}

func TestParsePublicKeyRawAndDER(t *testing.T) {
	pub, _, derB64 := genKeypair(t)

	p1, fp1, err := ParsePublicKey(derB64)
	require.NoError(t, err)
	assert.Equal(t, pub, p1)
	assert.Len(t, fp1, 64)

	rawB64 := base64.StdEncoding.EncodeToString(pub)
	p2, fp2, err := ParsePublicKey(rawB64)
	require.NoError(t, err)
	assert.Equal(t, pub, p2)
	// 裸公钥与 DER 形式算出同一指纹
	assert.Equal(t, fp1, fp2)
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, _, err := ParsePublicKey("not base64 !!!")
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))

	_, _, err = ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))
}

func TestRegisterKeyRejectsDuplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, _, derB64 := genKeypair(t)

	key, err := svc.RegisterKey(ctx, derB64, "laptop")
	require.NoError(t, err)
	assert.True(t, key.Enabled)
	assert.Equal(t, "laptop", key.Comment)

	_, err = svc.RegisterKey(ctx, derB64, "again")
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestChallengeLoginFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, priv, derB64 := genKeypair(t)

	key, err := svc.RegisterKey(ctx, derB64, "")
	require.NoError(t, err)

	c, err := svc.BeginChallenge(ctx, key.Fingerprint)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Nonce)

	nonce, err := base64.StdEncoding.DecodeString(c.Nonce)
	require.NoError(t, err)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce))

	sess, err := svc.VerifyChallenge(ctx, c.ID, key.Fingerprint, sig)
	require.NoError(t, err)
	assert.Len(t, sess.Token, 40)
	assert.Equal(t, key.Fingerprint, sess.Fingerprint)

	got, err := svc.ValidateSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.Token, got.Token)
}

func TestChallengeConsumedOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, priv, derB64 := genKeypair(t)

	key, err := svc.RegisterKey(ctx, derB64, "")
	require.NoError(t, err)
	c, err := svc.BeginChallenge(ctx, key.Fingerprint)
	require.NoError(t, err)

	nonce, _ := base64.StdEncoding.DecodeString(c.Nonce)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce))

	_, err = svc.VerifyChallenge(ctx, c.ID, key.Fingerprint, sig)
	require.NoError(t, err)

	// 同一挑战不能二次兑换
	_, err = svc.VerifyChallenge(ctx, c.ID, key.Fingerprint, sig)
	assert.Equal(t, types.ErrUnauthorized, types.KindOf(err))
}

func TestChallengeBurnedByBadSignature(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, priv, derB64 := genKeypair(t)

	key, err := svc.RegisterKey(ctx, derB64, "")
	require.NoError(t, err)
	c, err := svc.BeginChallenge(ctx, key.Fingerprint)
	require.NoError(t, err)

	bogus := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
	_, err = svc.VerifyChallenge(ctx, c.ID, key.Fingerprint, bogus)
	assert.Equal(t, types.ErrUnauthorized, types.KindOf(err))

	// 验签失败也烧掉挑战，正确签名同样被拒
	nonce, _ := base64.StdEncoding.DecodeString(c.Nonce)
	good := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce))
	_, err = svc.VerifyChallenge(ctx, c.ID, key.Fingerprint, good)
	assert.Equal(t, types.ErrUnauthorized, types.KindOf(err))
}

func TestBeginChallengeUnknownFingerprint(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.BeginChallenge(context.Background(), "deadbeef")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestValidateSessionExpired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess := &store.AdminSession{
		Token:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Fingerprint: "fp",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, svc.store.CreateSession(ctx, sess))

	_, err := svc.ValidateSession(ctx, sess.Token)
	assert.Equal(t, types.ErrUnauthorized, types.KindOf(err))

	_, err = svc.ValidateSession(ctx, "unknown-token")
	assert.Equal(t, types.ErrUnauthorized, types.KindOf(err))
}

func TestCreateLoginCodeDefaultsAndBounds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	lc, err := svc.CreateLoginCode(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, lc.Code, defaultCodeLength)
	assert.Equal(t, defaultCodeUses, lc.MaxUses)
	assert.WithinDuration(t, time.Now().Add(defaultCodeTTLSeconds*time.Second), lc.ExpiresAt, 5*time.Second)

	// 边界值可用
	_, err = svc.CreateLoginCode(ctx, MinCodeTTLSeconds, MinCodeUses, MinCodeLength)
	assert.NoError(t, err)
	_, err = svc.CreateLoginCode(ctx, MaxCodeTTLSeconds, MaxCodeUses, MaxCodeLength)
	assert.NoError(t, err)

	// 越界拒绝
	_, err = svc.CreateLoginCode(ctx, MaxCodeTTLSeconds+1, 0, 0)
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))
	_, err = svc.CreateLoginCode(ctx, 0, MaxCodeUses+1, 0)
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))
	_, err = svc.CreateLoginCode(ctx, 0, 0, MinCodeLength-1)
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))
}

func TestRedeemLoginCode(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	lc, err := svc.CreateLoginCode(ctx, 600, 2, 0)
	require.NoError(t, err)

	s1, err := svc.RedeemLoginCode(ctx, lc.Code)
	require.NoError(t, err)
	assert.Empty(t, s1.Fingerprint)

	_, err = svc.RedeemLoginCode(ctx, lc.Code)
	require.NoError(t, err)

	// 次数耗尽与未知码都是 bad_request，争抢失败方同样拿 400
	_, err = svc.RedeemLoginCode(ctx, lc.Code)
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))

	_, err = svc.RedeemLoginCode(ctx, "no-such-code")
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))
}

func TestLatestLoginCode(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.LatestLoginCode(ctx)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))

	lc, err := svc.CreateLoginCode(ctx, 600, 1, 0)
	require.NoError(t, err)

	got, err := svc.LatestLoginCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, lc.Code, got.Code)
}
