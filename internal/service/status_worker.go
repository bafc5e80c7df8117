package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/manumohan/farm-automation/common/database"
	mqttcommon "github.com/manumohan/farm-automation/common/mqtt"
	rediscommon "github.com/manumohan/farm-automation/common/redis"
	"github.com/manumohan/farm-automation/internal/config"
	"github.com/manumohan/farm-automation/internal/consumer"
	"github.com/manumohan/farm-automation/internal/liveness"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StatusWorker 设备状态服务：MQTT 遥测 -> 存活表 -> Postgres / Redis Streams，外加离线扫描
type StatusWorker struct {
	config     *config.Config
	logger     *zap.Logger
	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	deviceRepo *repository.DeviceRepository
	store      *liveness.Store
	consumer   *consumer.MQTTConsumer
	sweeper    *consumer.OfflineSweeper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusWorker 创建状态服务并连接依赖
func NewStatusWorker(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*StatusWorker, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	deviceRepo := repository.NewDeviceRepository(db, logger)
	publisher := liveness.NewStreamPublisher(redisClient, cfg.Liveness.StatusStream, cfg.Liveness.StreamMaxLen, logger)
	store := liveness.NewStore(liveness.Options{
		RejectStale: cfg.Liveness.RejectStale,
		Persister:   deviceRepo,
		Publisher:   publisher,
		Metrics:     m,
	}, logger)

	return &StatusWorker{
		config:     cfg,
		logger:     logger,
		db:         db,
		redis:      redisClient,
		mqttClient: mqttClient,
		deviceRepo: deviceRepo,
		store:      store,
		consumer:   consumer.NewMQTTConsumer(mqttClient, store, cfg.MQTT.QoS, m, logger),
		sweeper:    consumer.NewOfflineSweeper(store, cfg.SweepInterval(), cfg.OfflineThreshold(), m, logger),
	}, nil
}

// Start 预热存活表、订阅遥测、启动离线扫描
func (w *StatusWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting status worker components")

	n, err := w.store.Hydrate(ctx, w.deviceRepo)
	if err != nil {
		return fmt.Errorf("failed to hydrate liveness store: %w", err)
	}
	w.logger.Info("Liveness store hydrated", zap.Int("devices", n))

	if err := w.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = w.sweeper.Start(sweepCtx)
	}()

	w.logger.Info("Status worker started successfully")
	return nil
}

// Stop 停止服务
func (w *StatusWorker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping status worker")

	// 停止Consumer
	if w.consumer != nil {
		if err := w.consumer.Stop(ctx); err != nil {
			w.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	// 停止离线扫描
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	// 断开MQTT
	if w.mqttClient != nil {
		w.mqttClient.Disconnect()
	}

	// 关闭Redis
	if w.redis != nil {
		rediscommon.Close(w.redis)
	}

	// 关闭数据库
	if w.db != nil {
		database.Close(w.db)
	}

	w.logger.Info("Status worker stopped")
	return nil
}

// Store 存活表（供诊断接口使用）
func (w *StatusWorker) Store() *liveness.Store {
	return w.store
}

// CheckHealth 供 /healthz 使用：MQTT 断线时返回错误
func (w *StatusWorker) CheckHealth() error {
	if w.mqttClient == nil {
		return brokerHealth(nil)
	}
	return brokerHealth(w.mqttClient)
}

type connectionChecker interface {
	IsConnected() bool
}

func brokerHealth(c connectionChecker) error {
	if c == nil || !c.IsConnected() {
		return errors.New("mqtt broker not connected")
	}
	return nil
}
