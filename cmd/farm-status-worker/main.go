package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manumohan/farm-automation/common/logger"
	"github.com/manumohan/farm-automation/internal/config"
	httpapi "github.com/manumohan/farm-automation/internal/http"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "farm-status-worker")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	m := metrics.New()
	worker, err := service.NewStatusWorker(cfg, m, log)
	if err != nil {
		log.Fatal("Failed to create status worker", zap.Error(err))
	}

	// 4. 诊断接口：/metrics、/healthz、存活查询
	router := httpapi.NewRouter(log)
	router.RegisterOpsRoutes(m.Handler(), worker.CheckHealth)
	router.RegisterLivenessRoutes(httpapi.NewLivenessHandler(worker.Store(), log))
	opsServer := service.NewServer("metrics", cfg.Metrics.Addr, router, log)

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		log.Fatal("Failed to start status worker", zap.Error(err))
	}

	serverErrChan := make(chan error, 1)
	go func() {
		if err := opsServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErrChan:
		log.Error("Metrics server error", zap.Error(err))
	}

	// 先取消订阅并停止扫描，再取消上下文
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping status worker", zap.Error(err))
	}
	cancel()

	log.Info("Status worker exited")
}
