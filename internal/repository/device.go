package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/manumohan/farm-automation/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 设备状态持久化（devices / device_status 表）
// device_uid 即 MQTT 主题里的 deviceId
type DeviceRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db DBTX, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{db: db, logger: logger}
}

// ListDevices 列出全部未删除设备的存活信息（启动时用于预热内存状态）
func (r *DeviceRepository) ListDevices(ctx context.Context) ([]models.DeviceLivenessRecord, error) {
	query := `
		SELECT device_uid, farm_id::text, COALESCE(status, 'unknown'), last_seen
		FROM devices
		WHERE is_deleted = FALSE
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceLivenessRecord
	for rows.Next() {
		var (
			rec      models.DeviceLivenessRecord
			status   string
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&rec.DeviceID, &rec.FarmID, &status, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		rec.Status = models.ParseDeviceStatus(status)
		if lastSeen.Valid {
			t := lastSeen.Time
			rec.LastSeen = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return out, nil
}

// SaveStatus 写入设备当前状态与最后上报时间
// 设备未注册（或已删除）时返回 ErrNotFound
func (r *DeviceRepository) SaveStatus(ctx context.Context, deviceUID string, status models.DeviceStatus, seenAt time.Time) error {
	query := `
		UPDATE devices
		SET status = $2, last_seen = $3, updated_at = NOW()
		WHERE device_uid = $1 AND is_deleted = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, deviceUID, string(status), seenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	return expectAffected(res, fmt.Sprintf("device %s", deviceUID))
}

// MarkOffline 将设备置为离线（已离线的不重复写）
// observedLastSeen 为判定超时时看到的 last_seen；期间若有更新的上报写入，则不降级。
// 返回是否确实更新了一行。
func (r *DeviceRepository) MarkOffline(ctx context.Context, deviceUID string, observedLastSeen time.Time) (bool, error) {
	query := `
		UPDATE devices
		SET status = 'offline', updated_at = NOW()
		WHERE device_uid = $1 AND is_deleted = FALSE
		  AND status <> 'offline'
		  AND (last_seen IS NULL OR last_seen <= $2)
	`
	res, err := r.db.ExecContext(ctx, query, deviceUID, observedLastSeen.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendStatusHistory 追加一条状态变化记录
func (r *DeviceRepository) AppendStatusHistory(ctx context.Context, deviceUID string, status models.DeviceStatus, message string, at time.Time) error {
	query := `
		INSERT INTO device_status (device_id, status, message, timestamp)
		SELECT id, $2, $3, $4
		FROM devices
		WHERE device_uid = $1 AND is_deleted = FALSE
	`
	if _, err := r.db.ExecContext(ctx, query, deviceUID, string(status), message, at.UTC()); err != nil {
		return fmt.Errorf("failed to insert device status history: %w", err)
	}
	return nil
}
