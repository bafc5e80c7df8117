// Package telemetry decodes device telemetry published on the farm MQTT topics.
package telemetry

import (
	"time"

	"github.com/manumohan/farm-automation/internal/models"
)

// Kind 主题类型
type Kind string

const (
	KindStatus   Kind = "status"
	KindLogs     Kind = "logs"
	KindEvents   Kind = "events"
	KindCommands Kind = "commands"
)

// SubscriptionTopics 订阅的四个通配主题
var SubscriptionTopics = []string{
	"farm/+/device/+/status",
	"farm/+/device/+/logs",
	"farm/+/device/+/events",
	"farm/+/device/+/commands",
}

// DeviceEvent 解码后的设备消息
// Status/SeenAt 仅在 Kind == KindStatus 时有效
type DeviceEvent struct {
	Kind     Kind
	Topic    string
	FarmID   string
	DeviceID string

	Status models.DeviceStatus
	SeenAt time.Time
	// RawStatus 设备上报的原始状态字符串
	RawStatus string

	Payload []byte
}
