package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manumohan/farm-automation/internal/models"
)

// DecodeError 载荷无法解析（消息被丢弃，不影响后续消息）
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode telemetry on %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// statusPayload status 主题载荷，两个字段都可缺省
type statusPayload struct {
	Status    *string `json:"status"`
	Timestamp *string `json:"timestamp"`
}

// ParseTopic 解析 farm/{farmId}/device/{deviceId}/{kind}
// 不符合四种格式的主题返回 ok=false
func ParseTopic(topic string) (farmID, deviceID string, kind Kind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "farm" || parts[2] != "device" {
		return "", "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", "", false
	}
	switch k := Kind(parts[4]); k {
	case KindStatus, KindLogs, KindEvents, KindCommands:
		return parts[1], parts[3], k, true
	default:
		return "", "", "", false
	}
}

// Decode 解码一条 MQTT 消息
// 无关主题返回 (nil, nil)；status 载荷不是合法 JSON 对象时返回 *DecodeError。
// receivedAt 为接收时间，时间戳缺失或无法解析时作为 last-seen。
func Decode(topic string, payload []byte, receivedAt time.Time) (*DeviceEvent, error) {
	farmID, deviceID, kind, ok := ParseTopic(topic)
	if !ok {
		return nil, nil
	}

	ev := &DeviceEvent{
		Kind:     kind,
		Topic:    topic,
		FarmID:   farmID,
		DeviceID: deviceID,
		Payload:  payload,
	}
	if kind != KindStatus {
		return ev, nil
	}

	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &DecodeError{Topic: topic, Err: err}
	}

	ev.RawStatus = string(models.DeviceStatusOnline)
	if p.Status != nil {
		ev.RawStatus = *p.Status
	}
	ev.Status = models.ParseDeviceStatus(ev.RawStatus)

	ev.SeenAt = receivedAt
	if p.Timestamp != nil {
		if ts, ok := parseTimestamp(*p.Timestamp); ok {
			ev.SeenAt = ts
		}
	}
	return ev, nil
}

// 设备固件可能省略时区，按 UTC 处理
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
