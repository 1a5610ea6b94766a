package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/gateflow/api/handlers"
	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/gateway"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/internal/server"
	"github.com/BaSui01/gateflow/providers"
	"github.com/BaSui01/gateflow/store"

	// 注册各 API 类型的适配器工厂
	_ "github.com/BaSui01/gateflow/providers/anthropic"
	_ "github.com/BaSui01/gateflow/providers/openai"
	_ "github.com/BaSui01/gateflow/providers/zhipu"
)

// =============================================================================
// 🏗️ 服务器装配
// =============================================================================

// Server 聚合主服务与可选的 metrics 服务
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	main    *server.Manager
	metrics *server.Manager
	cancel  context.CancelFunc
}

// NewServer 装配全部组件并构建路由
func NewServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	st := store.NewGormStore(db, logger)
	store.StartKeepalive(ctx, st, store.KeepaliveConfig{
		Enabled:     cfg.Database.KeepaliveEnabled && cfg.Database.Driver == "postgres",
		MinInterval: cfg.Database.KeepaliveMinInterval,
		MaxInterval: cfg.Database.KeepaliveMaxInterval,
	}, logger)

	redirector := gateway.NewRedirector()
	redirector.Reload(cfg.Gateway.Redirects)

	collector := metrics.NewCollector("gateflow", logger)
	dispatcher := gateway.NewDispatcher(st, redirector, gateway.Strategy(cfg.Gateway.BalanceStrategy))
	authSvc := auth.NewService(st, logger)

	h := &handlers.Handler{
		Store:           st,
		Dispatcher:      dispatcher,
		Registry:        providers.NewRegistry(logger),
		Accountant:      gateway.NewAccountant(st, logger),
		Metrics:         collector,
		Auth:            authSvc,
		Logger:          logger,
		KeyDisplay:      cfg.Gateway.KeyDisplay,
		UpstreamTimeout: cfg.Gateway.UpstreamTimeout,
		ModelCacheTTL:   cfg.Gateway.ModelCacheTTL,
	}

	mux := http.NewServeMux()

	// 健康与指标（不鉴权）
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if cfg.Server.MetricsAddr == "" {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// OpenAI 兼容面：客户端令牌或管理口令
	clientChain := func(fn http.HandlerFunc) http.Handler {
		return Chain(fn, ClientAuth(st, cfg.Gateway.AdminToken, logger))
	}
	mux.Handle("POST /v1/chat/completions", clientChain(h.ChatCompletions))
	mux.Handle("GET /v1/models", clientChain(h.Models))
	mux.Handle("GET /v1/token/balance", clientChain(h.TokenBalance))
	mux.Handle("GET /v1/token/usage", clientChain(h.TokenUsage))

	// 认证入口（匿名可达）
	mux.HandleFunc("POST /auth/tui/challenge", h.AuthChallenge)
	mux.HandleFunc("POST /auth/tui/verify", h.AuthVerify)
	mux.HandleFunc("POST /auth/redeem", h.RedeemLoginCode)

	// 管理面：静态口令或会话
	adminChain := func(fn http.HandlerFunc) http.Handler {
		return Chain(fn, AdminAuth(authSvc, cfg.Gateway.AdminToken, logger))
	}
	mux.Handle("GET /auth/status", adminChain(h.AuthStatus))
	mux.Handle("POST /auth/keys", adminChain(h.RegisterAdminKey))
	mux.Handle("GET /auth/keys", adminChain(h.ListAdminKeys))
	mux.Handle("DELETE /auth/keys/{fingerprint}", adminChain(h.DeleteAdminKey))
	mux.Handle("POST /auth/login-codes", adminChain(h.CreateLoginCode))
	mux.Handle("GET /auth/login-codes/status", adminChain(h.LoginCodeStatus))

	mux.Handle("GET /admin/providers", adminChain(h.ListProviders))
	mux.Handle("POST /admin/providers", adminChain(h.CreateProvider))
	mux.Handle("DELETE /admin/providers/{name}", adminChain(h.DeleteProvider))
	mux.Handle("GET /admin/providers/{name}/keys", adminChain(h.ListProviderKeys))
	mux.Handle("POST /admin/providers/{name}/keys", adminChain(h.AddProviderKey))
	mux.Handle("DELETE /admin/providers/{name}/keys", adminChain(h.DeleteProviderKey))

	mux.Handle("GET /admin/tokens", adminChain(h.ListTokens))
	mux.Handle("POST /admin/tokens", adminChain(h.CreateToken))
	mux.Handle("GET /admin/tokens/{token}", adminChain(h.GetToken))
	mux.Handle("PATCH /admin/tokens/{token}", adminChain(h.UpdateToken))
	mux.Handle("DELETE /admin/tokens/{token}", adminChain(h.DeleteToken))
	mux.Handle("PUT /admin/prices", adminChain(h.SetPrice))

	// 全局中间件
	root := Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		SecurityHeaders(),
		MetricsMiddleware(collector),
	)
	if cfg.Server.RateLimitRPS > 0 {
		root = Chain(root, RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr
	srvCfg.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	srvCfg.IdleTimeout = cfg.Server.IdleTimeout
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	s := &Server{
		cfg:    cfg,
		logger: logger,
		main:   server.NewManager(root, srvCfg, logger),
		cancel: cancel,
	}

	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		metricsCfg := server.DefaultConfig()
		metricsCfg.Addr = cfg.Server.MetricsAddr
		s.metrics = server.NewManager(metricsMux, metricsCfg, logger)
	}
	return s
}

// Start 启动主服务与 metrics 服务
func (s *Server) Start() error {
	if err := s.main.Start(); err != nil {
		return err
	}
	if s.metrics != nil {
		if err := s.metrics.Start(); err != nil {
			return err
		}
	}
	return nil
}

// WaitForShutdown 等待退出信号并依次收尾
func (s *Server) WaitForShutdown() {
	s.main.WaitForShutdown()
	if s.metrics != nil {
		_ = s.metrics.Shutdown(context.Background())
	}
	s.cancel()
}
