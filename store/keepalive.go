package store

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 💓 数据库保活
// =============================================================================

// KeepaliveConfig 保活参数。间隔在 [MinInterval, MaxInterval] 内随机抖动，
// 避免多实例同时打到数据库。
type KeepaliveConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// DefaultKeepaliveConfig PostgreSQL 默认保活参数
func DefaultKeepaliveConfig() KeepaliveConfig {
	return KeepaliveConfig{
		Enabled:     true,
		MinInterval: 4 * time.Minute,
		MaxInterval: 6 * time.Minute,
	}
}

// StartKeepalive 启动后台保活循环，直到 ctx 取消。
// 探测失败只记日志，不影响正常请求（连接池会自行重建连接）。
func StartKeepalive(ctx context.Context, s *GormStore, cfg KeepaliveConfig, logger *zap.Logger) {
	if !cfg.Enabled {
		return
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 4 * time.Minute
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	go func() {
		for {
			interval := cfg.MinInterval
			if span := cfg.MaxInterval - cfg.MinInterval; span > 0 {
				interval += time.Duration(rand.Int63n(int64(span)))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.Ping(pingCtx); err != nil {
				logger.Warn("database keepalive probe failed", zap.Error(err))
			}
			cancel()
		}
	}()
}
