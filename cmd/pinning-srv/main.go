package main

import (
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/app"
	"github.com/dwebhost/dweb-alpha/internal/config"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

func main() {
	// 命令行参数，文件不存在时只用环境变量
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(&cfg.Log); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("env", cfg.Service.Env),
		zap.String("network", cfg.Blockchain.Network),
		zap.Int("http_port", cfg.Service.HTTPPort))

	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	if err := application.Run(); err != nil {
		logger.Fatal("app run error", zap.Error(err))
	}

	logger.Info("service stopped")
}
