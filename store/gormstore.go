package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound 统一的未命中错误
var ErrNotFound = errors.New("record not found")

// InitDatabase 自动迁移网关的全部表结构
// 支持: PostgreSQL, SQLite
func InitDatabase(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Provider{},
		&APIKey{},
		&ModelPrice{},
		&CachedModel{},
		&RequestLog{},
		&ClientToken{},
		&AdminKey{},
		&Challenge{},
		&AdminSession{},
		&LoginCode{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// GormStore 基于 GORM 的 Store 实现
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建 GORM 存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger}
}

// DB exposes the underlying handle for keepalive and migrations.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Ping 检查数据库连接
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// 🏭 ProviderStore
// =============================================================================

func (s *GormStore) CreateProvider(ctx context.Context, p *Provider) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) GetProvider(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) ListProviders(ctx context.Context) ([]Provider, error) {
	var out []Provider
	err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// DeleteProvider 级联删除提供商、其密钥与模型缓存
func (s *GormStore) DeleteProvider(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Provider
		if err := tx.Where("name = ?", name).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("provider_id = ?", p.ID).Delete(&APIKey{}).Error; err != nil {
			return err
		}
		if err := tx.Where("provider = ?", p.Name).Delete(&CachedModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&p).Error
	})
}

func (s *GormStore) AddKey(ctx context.Context, provider, key string) error {
	p, err := s.GetProvider(ctx, provider)
	if err != nil {
		return err
	}
	var max int
	s.db.WithContext(ctx).Model(&APIKey{}).
		Where("provider_id = ?", p.ID).
		Select("COALESCE(MAX(position), 0)").Scan(&max)
	return s.db.WithContext(ctx).Create(&APIKey{
		ProviderID: p.ID,
		Key:        key,
		Position:   max + 1,
	}).Error
}

func (s *GormStore) DeleteKey(ctx context.Context, provider, key string) error {
	p, err := s.GetProvider(ctx, provider)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Where("provider_id = ? AND key = ?", p.ID, key).
		Delete(&APIKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListKeys 按配置顺序返回密钥
func (s *GormStore) ListKeys(ctx context.Context, provider string) ([]string, error) {
	p, err := s.GetProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	var keys []APIKey
	if err := s.db.WithContext(ctx).
		Where("provider_id = ?", p.ID).
		Order("position ASC, id ASC").
		Find(&keys).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Key)
	}
	return out, nil
}

// =============================================================================
// 🎫 TokenStore
// =============================================================================

func (s *GormStore) CreateToken(ctx context.Context, t *ClientToken) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *GormStore) GetToken(ctx context.Context, token string) (*ClientToken, error) {
	var t ClientToken
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) ListTokens(ctx context.Context) ([]ClientToken, error) {
	var out []ClientToken
	err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateToken(ctx context.Context, t *ClientToken) error {
	return s.db.WithContext(ctx).Save(t).Error
}

func (s *GormStore) DeleteToken(ctx context.Context, token string) error {
	res := s.db.WithContext(ctx).Where("token = ?", token).Delete(&ClientToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyUsage 单条 UPDATE 内原子累加计数器，避免读-改-写竞态
func (s *GormStore) ApplyUsage(ctx context.Context, token string, prompt, completion, total int64, amount float64) error {
	res := s.db.WithContext(ctx).Model(&ClientToken{}).
		Where("token = ?", token).
		Updates(map[string]any{
			"prompt_tokens_spent":     gorm.Expr("prompt_tokens_spent + ?", prompt),
			"completion_tokens_spent": gorm.Expr("completion_tokens_spent + ?", completion),
			"total_tokens_spent":      gorm.Expr("total_tokens_spent + ?", total),
			"amount_spent":            gorm.Expr("amount_spent + ?", amount),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// 📝 RequestLogStore
// =============================================================================

func (s *GormStore) InsertLog(ctx context.Context, log *RequestLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

func (s *GormStore) RecentByToken(ctx context.Context, token string, limit int) ([]RequestLog, error) {
	var logs []RequestLog
	err := s.db.WithContext(ctx).
		Where("client_token = ?", token).
		Order("timestamp DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	// 最新在后
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// =============================================================================
// 📚 ModelCache
// =============================================================================

// PutModels 整体替换某提供商的缓存条目
func (s *GormStore) PutModels(ctx context.Context, provider string, models []CachedModel) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider = ?", provider).Delete(&CachedModel{}).Error; err != nil {
			return err
		}
		for i := range models {
			models[i].ID = 0
			models[i].Provider = provider
			models[i].CachedAt = now
			if err := tx.Create(&models[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) ModelsByProvider(ctx context.Context, provider string) ([]CachedModel, error) {
	var out []CachedModel
	err := s.db.WithContext(ctx).
		Where("provider = ?", provider).
		Order("model_id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) ProvidersWithModel(ctx context.Context, modelID string) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&CachedModel{}).
		Distinct("provider").
		Where("model_id = ?", modelID).
		Pluck("provider", &out).Error
	return out, err
}

// =============================================================================
// 💰 PriceStore
// =============================================================================

// SetPrice 单调替换价格行
func (s *GormStore) SetPrice(ctx context.Context, p *ModelPrice) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ModelPrice
		err := tx.Where("provider = ? AND model = ?", p.Provider, p.Model).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(p).Error
		}
		if err != nil {
			return err
		}
		p.ID = existing.ID
		return tx.Save(p).Error
	})
}

func (s *GormStore) GetPrice(ctx context.Context, provider, model string) (*ModelPrice, error) {
	var p ModelPrice
	err := s.db.WithContext(ctx).
		Where("provider = ? AND model = ?", provider, model).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// 🔑 AdminKeyStore
// =============================================================================

func (s *GormStore) CreateAdminKey(ctx context.Context, k *AdminKey) error {
	return s.db.WithContext(ctx).Create(k).Error
}

func (s *GormStore) GetAdminKey(ctx context.Context, fingerprint string) (*AdminKey, error) {
	var k AdminKey
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *GormStore) ListAdminKeys(ctx context.Context) ([]AdminKey, error) {
	var out []AdminKey
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteAdminKey(ctx context.Context, fingerprint string) error {
	res := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Delete(&AdminKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TouchAdminKey(ctx context.Context, fingerprint string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&AdminKey{}).
		Where("fingerprint = ?", fingerprint).
		Update("last_used_at", at).Error
}

// =============================================================================
// 🛡️ AuthStore
// =============================================================================

func (s *GormStore) CreateChallenge(ctx context.Context, c *Challenge) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// ConsumeChallenge CAS 消费：只有第一个调用者能把 consumed 翻为 true
func (s *GormStore) ConsumeChallenge(ctx context.Context, id, fingerprint string, now time.Time) (*Challenge, error) {
	res := s.db.WithContext(ctx).Model(&Challenge{}).
		Where("id = ? AND fingerprint = ? AND consumed = ? AND expires_at > ?", id, fingerprint, false, now).
		Update("consumed", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var c Challenge
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) CreateSession(ctx context.Context, sess *AdminSession) error {
	return s.db.WithContext(ctx).Create(sess).Error
}

func (s *GormStore) GetSession(ctx context.Context, token string) (*AdminSession, error) {
	var sess AdminSession
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *GormStore) CreateLoginCode(ctx context.Context, c *LoginCode) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) LatestLoginCode(ctx context.Context) (*LoginCode, error) {
	var c LoginCode
	err := s.db.WithContext(ctx).Order("id DESC").First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RedeemLoginCode 原子校验并递增 uses；同一最后名额的并发兑换只有一个成功
func (s *GormStore) RedeemLoginCode(ctx context.Context, code string, now time.Time) (*LoginCode, error) {
	res := s.db.WithContext(ctx).Model(&LoginCode{}).
		Where("code = ? AND disabled = ? AND expires_at > ? AND uses < max_uses", code, false, now).
		Update("uses", gorm.Expr("uses + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var c LoginCode
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
