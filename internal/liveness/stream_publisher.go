package liveness

import (
	"context"
	"fmt"
	"time"

	rediscommon "github.com/manumohan/farm-automation/common/redis"
	"github.com/manumohan/farm-automation/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen 状态流近似保留的条数
const DefaultStreamMaxLen int64 = 100000

// StreamPublisher 将状态变化写入 Redis Streams，字段平铺方便下游按设备过滤
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamPublisher 创建状态流发布者
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Publish 发布一条状态变化
func (p *StreamPublisher) Publish(ctx context.Context, change models.StatusChange) error {
	seenAt := ""
	if change.SeenAt != nil {
		seenAt = change.SeenAt.UTC().Format(time.RFC3339Nano)
	}
	values := map[string]interface{}{
		"event_id":        change.EventID,
		"device_id":       change.DeviceID,
		"farm_id":         change.FarmID,
		"previous_status": string(change.PreviousStatus),
		"status":          string(change.Status),
		"seen_at":         seenAt,
		"source":          change.Source,
		"occurred_at":     change.OccurredAt.UTC().Format(time.RFC3339Nano),
	}

	id, err := rediscommon.PublishToStream(ctx, p.client, p.stream, p.maxLen, values)
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}

	p.logger.Debug("Published status change",
		zap.String("stream", p.stream),
		zap.String("stream_id", id),
		zap.String("device_id", change.DeviceID),
		zap.String("status", string(change.Status)),
	)
	return nil
}
