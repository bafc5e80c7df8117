package models

import "time"

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusError   DeviceStatus = "error"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// ParseDeviceStatus 将上报的状态字符串归一化；无法识别的值记为 unknown
func ParseDeviceStatus(s string) DeviceStatus {
	switch DeviceStatus(s) {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusError, DeviceStatusUnknown:
		return DeviceStatus(s)
	default:
		return DeviceStatusUnknown
	}
}

// DeviceLivenessRecord 设备存活记录
// DeviceID 为设备外部标识（devices.device_uid，即 MQTT 主题中的 deviceId）
type DeviceLivenessRecord struct {
	DeviceID string
	FarmID   string
	Status   DeviceStatus
	LastSeen *time.Time // 从未上报时为 nil
}

// StatusChange 设备状态变化事件（发布到 Redis Streams）
type StatusChange struct {
	EventID        string       `json:"event_id"`
	DeviceID       string       `json:"device_id"`
	FarmID         string       `json:"farm_id,omitempty"`
	PreviousStatus DeviceStatus `json:"previous_status"`
	Status         DeviceStatus `json:"status"`
	SeenAt         *time.Time   `json:"seen_at,omitempty"`
	Source         string       `json:"source"` // telemetry | sweep
	OccurredAt     time.Time    `json:"occurred_at"`
}

const (
	ChangeSourceTelemetry = "telemetry"
	ChangeSourceSweep     = "sweep"
)
