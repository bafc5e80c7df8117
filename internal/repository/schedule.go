package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manumohan/farm-automation/internal/models"

	"go.uber.org/zap"
)

// farmLockNamespace 农场级 advisory lock 的高 32 位，避免与其它 advisory lock 冲突
const farmLockNamespace int64 = 0x46524d00 // "FRM\0"

// ScheduleRepository 计划读写
type ScheduleRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewScheduleRepository 创建计划仓库
func NewScheduleRepository(db DBTX, logger *zap.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// WithTx 返回绑定到事务的副本
func (r *ScheduleRepository) WithTx(tx *sql.Tx) *ScheduleRepository {
	return &ScheduleRepository{db: tx, logger: r.logger}
}

// FarmLockKey 农场对应的 advisory lock key
func FarmLockKey(farmID int64) int64 {
	return farmLockNamespace<<32 | (farmID & 0xffffffff)
}

// LockFarm 在当前事务内获取农场级排他锁，事务结束时自动释放
// 同一农场的 "检测-写入" 因此串行化，不同农场互不影响
func (r *ScheduleRepository) LockFarm(ctx context.Context, farmID int64) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, FarmLockKey(farmID)); err != nil {
		return fmt.Errorf("failed to lock farm %d: %w", farmID, err)
	}
	return nil
}

// GetSchedule 获取未删除的计划
func (r *ScheduleRepository) GetSchedule(ctx context.Context, scheduleID int64) (*models.Schedule, error) {
	query := `
		SELECT id, peripheral_mapping_id, cron_expression, COALESCE(duration_minutes, 0), is_deleted
		FROM schedules
		WHERE id = $1 AND is_deleted = FALSE
	`
	var s models.Schedule
	err := r.db.QueryRowContext(ctx, query, scheduleID).Scan(
		&s.ID,
		&s.PeripheralMappingID,
		&s.CronExpression,
		&s.DurationMinutes,
		&s.IsDeleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %d: %w", scheduleID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return &s, nil
}

// CreateSchedule 新建计划，返回带 ID 的记录
func (r *ScheduleRepository) CreateSchedule(ctx context.Context, mappingID int64, cronExpr string, durationMinutes int) (*models.Schedule, error) {
	query := `
		INSERT INTO schedules (peripheral_mapping_id, cron_expression, duration_minutes, is_deleted)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id
	`
	s := &models.Schedule{
		PeripheralMappingID: mappingID,
		CronExpression:      cronExpr,
		DurationMinutes:     durationMinutes,
	}
	if err := r.db.QueryRowContext(ctx, query, mappingID, cronExpr, durationMinutes).Scan(&s.ID); err != nil {
		return nil, fmt.Errorf("failed to insert schedule: %w", err)
	}
	return s, nil
}

// UpdateSchedule 更新计划的表达式与时长
func (r *ScheduleRepository) UpdateSchedule(ctx context.Context, scheduleID int64, cronExpr string, durationMinutes int) error {
	query := `
		UPDATE schedules
		SET cron_expression = $2, duration_minutes = $3, updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, scheduleID, cronExpr, durationMinutes)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return expectAffected(res, fmt.Sprintf("schedule %d", scheduleID))
}

// SoftDeleteSchedule 软删除计划
func (r *ScheduleRepository) SoftDeleteSchedule(ctx context.Context, scheduleID int64) error {
	query := `
		UPDATE schedules
		SET is_deleted = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return expectAffected(res, fmt.Sprintf("schedule %d", scheduleID))
}

// ListSchedules 列出映射下未删除的计划
func (r *ScheduleRepository) ListSchedules(ctx context.Context, mappingID int64) ([]models.Schedule, error) {
	return listActiveSchedules(ctx, r.db, mappingID)
}

func listActiveSchedules(ctx context.Context, db DBTX, mappingID int64) ([]models.Schedule, error) {
	query := `
		SELECT id, peripheral_mapping_id, cron_expression, COALESCE(duration_minutes, 0), is_deleted
		FROM schedules
		WHERE peripheral_mapping_id = $1 AND is_deleted = FALSE
		ORDER BY id
	`
	rows, err := db.QueryContext(ctx, query, mappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.PeripheralMappingID, &s.CronExpression, &s.DurationMinutes, &s.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}
	return out, nil
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
