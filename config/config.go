package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/gateflow/gateway"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是网关的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Gateway 路由与配额配置
	Gateway GatewayConfig `yaml:"gateway" env:"GATEWAY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// Metrics 监听地址，留空则不单独起 metrics 服务
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// 读取请求头超时
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每客户端限流（请求/秒），0 表示不限
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN。sqlite 时为文件路径。
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 保活探测（托管 PostgreSQL 会回收空闲连接）
	KeepaliveEnabled     bool          `yaml:"keepalive_enabled" env:"KEEPALIVE_ENABLED"`
	KeepaliveMinInterval time.Duration `yaml:"keepalive_min_interval" env:"KEEPALIVE_MIN_INTERVAL"`
	KeepaliveMaxInterval time.Duration `yaml:"keepalive_max_interval" env:"KEEPALIVE_MAX_INTERVAL"`
}

// GatewayConfig 路由与配额配置
type GatewayConfig struct {
	// 密钥选取策略: first_available, round_robin, random
	BalanceStrategy string `yaml:"balance_strategy" env:"BALANCE_STRATEGY"`
	// 日志中密钥展示策略: masked, full, hidden
	KeyDisplay string `yaml:"key_display" env:"KEY_DISPLAY"`
	// 模型列表缓存 TTL
	ModelCacheTTL time.Duration `yaml:"model_cache_ttl" env:"MODEL_CACHE_TTL"`
	// 上游请求超时（非流式）
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT"`
	// 模型重定向表
	Redirects map[string]string `yaml:"redirects" env:"-"`
	// 静态管理口令（可选，优先用公钥登录）
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			MetricsAddr:       "",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			RateLimitRPS:      0,
			RateLimitBurst:    20,
		},
		Database: DatabaseConfig{
			Driver:               "sqlite",
			DSN:                  "gateflow.db",
			MaxOpenConns:         20,
			MaxIdleConns:         5,
			ConnMaxLifetime:      time.Hour,
			KeepaliveEnabled:     true,
			KeepaliveMinInterval: 4 * time.Minute,
			KeepaliveMaxInterval: 6 * time.Minute,
		},
		Gateway: GatewayConfig{
			BalanceStrategy: string(gateway.StrategyFirstAvailable),
			KeyDisplay:      gateway.KeyDisplayMasked,
			ModelCacheTTL:   60 * time.Minute,
			UpstreamTimeout: 120 * time.Second,
			Redirects:       map[string]string{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if !gateway.ValidStrategy(gateway.Strategy(c.Gateway.BalanceStrategy)) {
		return fmt.Errorf("unknown balance strategy %q", c.Gateway.BalanceStrategy)
	}
	switch c.Gateway.KeyDisplay {
	case gateway.KeyDisplayMasked, gateway.KeyDisplayFull, gateway.KeyDisplayHidden:
	default:
		return fmt.Errorf("unknown key display mode %q", c.Gateway.KeyDisplay)
	}
	if c.Gateway.ModelCacheTTL <= 0 {
		return fmt.Errorf("model_cache_ttl must be positive")
	}
	return nil
}
