package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/store"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate 执行表结构迁移后退出。
// serve 启动时也会自动迁移；单独的子命令用于 CI/CD 流水线。
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	if err := store.InitDatabase(db); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
	logger.Info("Migration complete", zap.String("driver", cfg.Database.Driver))
	fmt.Println("OK")
}
