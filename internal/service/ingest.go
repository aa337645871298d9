// Package service 遥测接入服务（整合各层）
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aditya08deole/MAIN-sub001/common/database"
	"github.com/aditya08deole/MAIN-sub001/common/mqtt"
	commonredis "github.com/aditya08deole/MAIN-sub001/common/redis"
	"github.com/aditya08deole/MAIN-sub001/internal/alert"
	"github.com/aditya08deole/MAIN-sub001/internal/breaker"
	"github.com/aditya08deole/MAIN-sub001/internal/broadcast"
	"github.com/aditya08deole/MAIN-sub001/internal/cache"
	"github.com/aditya08deole/MAIN-sub001/internal/config"
	"github.com/aditya08deole/MAIN-sub001/internal/httpapi"
	"github.com/aditya08deole/MAIN-sub001/internal/normalizer"
	"github.com/aditya08deole/MAIN-sub001/internal/notify"
	"github.com/aditya08deole/MAIN-sub001/internal/poller"
	"github.com/aditya08deole/MAIN-sub001/internal/provider"
	"github.com/aditya08deole/MAIN-sub001/internal/ratelimit"
	"github.com/aditya08deole/MAIN-sub001/internal/registry"
	"github.com/aditya08deole/MAIN-sub001/internal/repository"
	"github.com/aditya08deole/MAIN-sub001/internal/scheduler"
	"github.com/aditya08deole/MAIN-sub001/internal/state"
)

// IngestService 遥测接入服务
type IngestService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	guarded      *provider.GuardedClient
	queue        *notify.Queue
	scheduler    *scheduler.Scheduler
	invalidator  *Invalidator
	housekeeping *Housekeeping
	server       *http.Server
}

// NewIngestService 连接依赖并装配各层
func NewIngestService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	// 1. 数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. Redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(ctx, redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. Repository 层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	mappingRepo := repository.NewFieldMappingRepository(db, logger)
	stateRepo := repository.NewStateRepository(db, logger)
	ruleRepo := repository.NewAlertRuleRepository(db, logger)
	recordRepo := repository.NewAlertRecordRepository(db, logger)
	maintenanceRepo := repository.NewMaintenanceRepository(db, logger)
	subscriptionRepo := repository.NewSubscriptionRepository(db, logger)
	readingRepo := repository.NewReadingRepository(db, logger)

	// 4. 缓存与注册表
	shared := cache.NewRedisCache(redisClient)
	fieldRegistry := registry.New(mappingRepo, shared, cfg.Cache.FieldMappingTTL, logger)

	// 5. 提供方客户端（限流 -> 熔断 -> HTTP）
	limiter := ratelimit.New(cfg.Provider.CallsPerMinute)
	cb := breaker.New("telemetry-provider", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		IsFailure:        provider.IsBreakerFailure,
	}, logger)
	guarded := provider.NewGuardedClient(provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, logger), limiter, cb, logger)

	// 6. 广播（可选 MQTT 镜像）
	publisher := broadcast.NewPublisher(redisClient, cfg.Broadcast.ReplaySize, cfg.Broadcast.ReplayTTL, logger)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT mirror disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			publisher.WithMirror(mqttClient, cfg.MQTT.TopicPrefix)
		}
	}

	// 7. 报警与状态
	queue := notify.NewQueue(redisClient, subscriptionRepo, cfg.Alert.NotificationStream, cfg.Alert.NotificationGroup, logger)
	engine := alert.NewEngine(ruleRepo, recordRepo, maintenanceRepo, queue, shared, alert.Config{
		MinGuardTTL:  cfg.Alert.MinGuardTTL,
		RuleCacheTTL: cfg.Alert.RuleCacheTTL,
	}, logger)
	tracker := state.NewTracker(stateRepo, cfg.State.OfflineThreshold, cfg.State.MaxRetries, logger)

	// 8. 轮询与调度
	p := poller.New(guarded, fieldRegistry, normalizer.New(logger), tracker, readingRepo, engine, publisher, logger)
	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		DeferDelay:    cfg.Scheduler.DeferDelay,
		MaxSleep:      cfg.Scheduler.MaxSleep,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
		Policy: scheduler.Policy{
			AlertInterval:    cfg.Scheduler.AlertInterval,
			CriticalInterval: cfg.Scheduler.CriticalInterval,
			StandardInterval: cfg.Scheduler.StandardInterval,
			BorewellInterval: cfg.Scheduler.BorewellInterval,
		},
	}, p, logger)

	invalidator := NewInvalidator(fieldRegistry, engine, tracker, sched, redisClient, cfg.Cache.InvalidationChannel, logger)
	housekeeping := NewHousekeeping(deviceRepo, stateRepo, sched, engine, publisher,
		cfg.Jobs.DeviceRefreshInterval, cfg.Jobs.SweepInterval, logger)

	// 9. HTTP
	router := httpapi.NewRouter(logger)
	health := httpapi.NewHealthHandler(map[string]httpapi.HealthCheck{
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return commonredis.Ping(ctx, redisClient) },
	}, func() string { return guarded.BreakerState().String() }, logger)
	if mqttClient != nil {
		health.WithOptional("mqtt", mqttClient.Check)
	}
	router.RegisterHealthRoutes(health)
	router.RegisterReplayRoutes(httpapi.NewReplayHandler(publisher, logger))
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(stateRepo, sched, invalidator, logger))

	return &IngestService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		logger:       logger,
		guarded:      guarded,
		queue:        queue,
		scheduler:    sched,
		invalidator:  invalidator,
		housekeeping: housekeeping,
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Start 运行调度循环、失效监听、周期任务与 HTTP 服务，直到 ctx 取消或任一组件失败
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry ingest service", zap.String("http_addr", s.config.HTTP.Addr))

	if err := s.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	devices, states, err := s.housekeeping.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	s.scheduler.Seed(devices, states)
	s.logger.Info("Scheduler seeded", zap.Int("devices", len(devices)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.invalidator.Listen(gctx) })
	g.Go(func() error { return s.housekeeping.Run(gctx) })
	g.Go(func() error { return s.serveHTTP(gctx) })
	return g.Wait()
}

func (s *IngestService) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down http server", zap.Error(err))
	}
	return nil
}

// Stop 释放连接
func (s *IngestService) Stop() error {
	s.logger.Info("Stopping telemetry ingest service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := commonredis.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
