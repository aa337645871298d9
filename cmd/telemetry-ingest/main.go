package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/common/logger"
	"github.com/aditya08deole/MAIN-sub001/internal/config"
	"github.com/aditya08deole/MAIN-sub001/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "telemetry-ingest")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	ingestService, err := service.NewIngestService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create ingest service",
			zap.Error(err),
		)
	}
	defer ingestService.Stop()

	// 5. 启动服务（在 goroutine 中）
	serviceDone := make(chan error, 1)
	go func() {
		serviceDone <- ingestService.Start(ctx)
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		if err := <-serviceDone; err != nil {
			log.Error("Service stopped with error", zap.Error(err))
		}
	case err := <-serviceDone:
		if err != nil {
			log.Error("Service error",
				zap.Error(err),
			)
			ingestService.Stop()
			os.Exit(1)
		}
	}

	log.Info("Telemetry ingest service stopped")
}
