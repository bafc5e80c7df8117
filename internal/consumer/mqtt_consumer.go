package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqttcommon "github.com/manumohan/farm-automation/common/mqtt"
	"github.com/manumohan/farm-automation/internal/liveness"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/models"
	"github.com/manumohan/farm-automation/internal/telemetry"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（*mqttcommon.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// StatusUpdater 存活状态写入（*liveness.Store 实现）
type StatusUpdater interface {
	Update(ctx context.Context, deviceID, farmID string, status models.DeviceStatus, seenAt time.Time) error
}

// MQTTConsumer 设备遥测消费者
// 订阅 farm/+/device/+/{status,logs,events,commands}，status 消息写入存活表，其余三类只记录
type MQTTConsumer struct {
	subscriber Subscriber
	store      StatusUpdater
	qos        byte
	metrics    *metrics.Metrics
	logger     *zap.Logger

	ctx context.Context
	now func() time.Time
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(subscriber Subscriber, store StatusUpdater, qos byte, m *metrics.Metrics, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		store:      store,
		qos:        qos,
		metrics:    m,
		logger:     logger,
		ctx:        context.Background(),
		now:        time.Now,
	}
}

// Start 订阅全部遥测主题，不阻塞
// 存储写入使用 ctx 的值但不继承取消：Stop 取消订阅之前到达的消息仍能写完
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = context.WithoutCancel(ctx)
	for _, topic := range telemetry.SubscriptionTopics {
		if err := c.subscriber.Subscribe(topic, c.qos, c.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	c.logger.Info("MQTT consumer started",
		zap.Strings("topics", telemetry.SubscriptionTopics),
		zap.Uint8("qos", c.qos),
	)
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(telemetry.SubscriptionTopics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// HandleMessage 处理一条MQTT消息
// 遥测链路上的错误只记录不返回，单条坏消息不能阻塞后续消息
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	ev, err := telemetry.Decode(topic, payload, c.now().UTC())
	if err != nil {
		if c.metrics != nil {
			c.metrics.DecodeErrors.Inc()
		}
		c.logger.Warn("Dropping undecodable telemetry",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return nil
	}
	if ev == nil {
		c.logger.Debug("Ignoring unrelated topic", zap.String("topic", topic))
		return nil
	}
	if c.metrics != nil {
		c.metrics.TelemetryMessages.WithLabelValues(string(ev.Kind)).Inc()
	}

	switch ev.Kind {
	case telemetry.KindStatus:
		c.handleStatus(ev)
	case telemetry.KindLogs, telemetry.KindEvents, telemetry.KindCommands:
		// 暂不处理
		c.logger.Debug("Received device message",
			zap.String("kind", string(ev.Kind)),
			zap.String("farm_id", ev.FarmID),
			zap.String("device_id", ev.DeviceID),
			zap.Int("payload_size", len(ev.Payload)),
		)
	}
	return nil
}

func (c *MQTTConsumer) handleStatus(ev *telemetry.DeviceEvent) {
	err := c.store.Update(c.ctx, ev.DeviceID, ev.FarmID, ev.Status, ev.SeenAt)
	switch {
	case err == nil:
		c.logger.Debug("Device status updated",
			zap.String("farm_id", ev.FarmID),
			zap.String("device_id", ev.DeviceID),
			zap.String("status", string(ev.Status)),
			zap.Time("seen_at", ev.SeenAt),
		)
	case errors.Is(err, liveness.ErrStaleUpdate):
		c.logger.Debug("Ignoring stale status",
			zap.String("device_id", ev.DeviceID),
			zap.Time("seen_at", ev.SeenAt),
		)
	default:
		c.logger.Error("Failed to persist device status",
			zap.String("topic", ev.Topic),
			zap.String("farm_id", ev.FarmID),
			zap.String("device_id", ev.DeviceID),
			zap.Error(err),
		)
	}
}
