package consumer

import (
	"context"
	"time"

	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/models"

	"go.uber.org/zap"
)

// Sweeper 离线扫描（*liveness.Store 实现）
type Sweeper interface {
	SweepOffline(ctx context.Context, now time.Time, threshold time.Duration) ([]string, error)
	StatusCounts() map[models.DeviceStatus]int
}

// OfflineSweeper 定期把超时未上报的设备置为离线
type OfflineSweeper struct {
	store     Sweeper
	interval  time.Duration
	threshold time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewOfflineSweeper 创建离线扫描器
func NewOfflineSweeper(store Sweeper, interval, threshold time.Duration, m *metrics.Metrics, logger *zap.Logger) *OfflineSweeper {
	return &OfflineSweeper{
		store:     store,
		interval:  interval,
		threshold: threshold,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Start 启动扫描循环，阻塞直到 ctx 取消
func (s *OfflineSweeper) Start(ctx context.Context) error {
	s.logger.Info("Offline sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("threshold", s.threshold),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 立即执行一次
	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Offline sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一次扫描；错误只记录，下个周期重试
func (s *OfflineSweeper) SweepOnce(ctx context.Context) (ids []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Offline sweep panicked", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	ids, err := s.store.SweepOffline(ctx, s.now().UTC(), s.threshold)
	if err != nil {
		s.logger.Error("Offline sweep finished with errors",
			zap.Int("transitioned", len(ids)),
			zap.Error(err),
		)
	}
	if len(ids) > 0 {
		s.logger.Info("Devices marked offline",
			zap.Strings("device_ids", ids),
			zap.Duration("threshold", s.threshold),
		)
	}

	if s.metrics != nil {
		s.metrics.SweepRuns.Inc()
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		for status, n := range s.store.StatusCounts() {
			s.metrics.DevicesByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	return ids
}
