package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manumohan/farm-automation/internal/conflict"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/models"
	"github.com/manumohan/farm-automation/internal/recurrence"
	"github.com/manumohan/farm-automation/internal/repository"

	"go.uber.org/zap"
)

// ScheduleService 外设计划服务
type ScheduleService interface {
	// 查询
	ListSchedules(ctx context.Context, mappingID int64) ([]models.Schedule, error)

	// 写入（独占外设需通过冲突检测）
	CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, req UpdateScheduleRequest) (*models.Schedule, error)
	DeleteSchedule(ctx context.Context, scheduleID int64) error

	// 试算，不写入
	CheckConflict(ctx context.Context, req CheckConflictRequest) (*CheckConflictResponse, error)
}

// CreateScheduleRequest 新建计划请求
type CreateScheduleRequest struct {
	MappingID       int64
	CronExpression  string
	DurationMinutes int
}

// UpdateScheduleRequest 更新计划请求，nil 字段沿用原值
type UpdateScheduleRequest struct {
	ScheduleID      int64
	CronExpression  *string
	DurationMinutes *int
}

// CheckConflictRequest 冲突试算请求
type CheckConflictRequest struct {
	MappingID         int64
	CronExpression    string
	DurationMinutes   int
	ExcludeScheduleID int64 // 可选
}

// CheckConflictResponse 冲突试算结果
type CheckConflictResponse struct {
	Accepted              bool   `json:"accepted"`
	Reason                string `json:"reason,omitempty"`
	ConflictingScheduleID int64  `json:"conflicting_schedule_id,omitempty"`
}

type scheduleService struct {
	db          *sql.DB
	peripherals *repository.PeripheralRepository
	schedules   *repository.ScheduleRepository
	conflictCfg conflict.Config
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewScheduleService 创建计划服务
func NewScheduleService(
	db *sql.DB,
	peripherals *repository.PeripheralRepository,
	schedules *repository.ScheduleRepository,
	conflictCfg conflict.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) ScheduleService {
	return &scheduleService{
		db:          db,
		peripherals: peripherals,
		schedules:   schedules,
		conflictCfg: conflictCfg,
		metrics:     m,
		logger:      logger,
	}
}

func (s *scheduleService) ListSchedules(ctx context.Context, mappingID int64) ([]models.Schedule, error) {
	schedules, err := s.schedules.ListSchedules(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	return schedules, nil
}

func (s *scheduleService) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*models.Schedule, error) {
	if err := validateSchedule(req.CronExpression, req.DurationMinutes); err != nil {
		return nil, err
	}

	var created *models.Schedule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		resolver, err := s.lockFarmOf(ctx, tx, req.MappingID)
		if err != nil {
			return err
		}
		if err := s.check(ctx, resolver, conflict.CheckRequest{
			MappingID:       req.MappingID,
			Rule:            req.CronExpression,
			DurationMinutes: req.DurationMinutes,
		}); err != nil {
			return err
		}
		created, err = s.schedules.WithTx(tx).CreateSchedule(ctx, req.MappingID, req.CronExpression, req.DurationMinutes)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Schedule created",
		zap.Int64("schedule_id", created.ID),
		zap.Int64("mapping_id", created.PeripheralMappingID),
		zap.String("cron_expression", created.CronExpression),
		zap.Int("duration_minutes", created.DurationMinutes),
	)
	return created, nil
}

func (s *scheduleService) UpdateSchedule(ctx context.Context, req UpdateScheduleRequest) (*models.Schedule, error) {
	var updated *models.Schedule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.schedules.WithTx(tx).GetSchedule(ctx, req.ScheduleID)
		if err != nil {
			return err
		}

		next := *existing
		if req.CronExpression != nil {
			next.CronExpression = *req.CronExpression
		}
		if req.DurationMinutes != nil {
			next.DurationMinutes = *req.DurationMinutes
		}
		if err := validateSchedule(next.CronExpression, next.DurationMinutes); err != nil {
			return err
		}

		// 映射已软删除：计划仍可修改，但它不参与任何冲突（已删除映射不是独占同伴）
		deleted, err := s.peripherals.WithTx(tx).MappingDeleted(ctx, existing.PeripheralMappingID)
		if err != nil {
			return err
		}
		if !deleted {
			resolver, err := s.lockFarmOf(ctx, tx, existing.PeripheralMappingID)
			if err != nil {
				return err
			}
			if err := s.check(ctx, resolver, conflict.CheckRequest{
				MappingID:         existing.PeripheralMappingID,
				Rule:              next.CronExpression,
				DurationMinutes:   next.DurationMinutes,
				ExcludeScheduleID: existing.ID,
			}); err != nil {
				return err
			}
		}
		if err := s.schedules.WithTx(tx).UpdateSchedule(ctx, next.ID, next.CronExpression, next.DurationMinutes); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Schedule updated",
		zap.Int64("schedule_id", updated.ID),
		zap.String("cron_expression", updated.CronExpression),
		zap.Int("duration_minutes", updated.DurationMinutes),
	)
	return updated, nil
}

func (s *scheduleService) DeleteSchedule(ctx context.Context, scheduleID int64) error {
	if err := s.schedules.SoftDeleteSchedule(ctx, scheduleID); err != nil {
		return err
	}
	s.logger.Info("Schedule deleted", zap.Int64("schedule_id", scheduleID))
	return nil
}

func (s *scheduleService) CheckConflict(ctx context.Context, req CheckConflictRequest) (*CheckConflictResponse, error) {
	if err := validateSchedule(req.CronExpression, req.DurationMinutes); err != nil {
		return nil, err
	}

	resolver := conflict.NewResolver(s.peripherals, s.conflictCfg, s.logger)
	verdict, err := resolver.CheckConflict(ctx, conflict.CheckRequest{
		MappingID:         req.MappingID,
		Rule:              req.CronExpression,
		DurationMinutes:   req.DurationMinutes,
		ExcludeScheduleID: req.ExcludeScheduleID,
	})
	s.observe(verdict, err)
	if err != nil {
		return nil, err
	}
	return &CheckConflictResponse{
		Accepted:              verdict.Accepted,
		Reason:                verdict.Reason,
		ConflictingScheduleID: verdict.ConflictingScheduleID,
	}, nil
}

// inTx 在事务中执行 fn，fn 返回错误时回滚
func (s *scheduleService) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockFarmOf 解析映射所属农场并加事务级 advisory lock，返回绑定到该事务的冲突检测器
// 同一农场的 检测+写入 因此串行化
func (s *scheduleService) lockFarmOf(ctx context.Context, tx *sql.Tx, mappingID int64) (*conflict.Resolver, error) {
	resolver := conflict.NewResolver(s.peripherals.WithTx(tx), s.conflictCfg, s.logger)

	farmID, err := resolver.ResolveFarm(ctx, mappingID)
	switch {
	case err == nil:
		if err := s.schedules.WithTx(tx).LockFarm(ctx, farmID); err != nil {
			return nil, err
		}
	case errors.Is(err, conflict.ErrUnresolvableScope):
		// 非独占类型无需农场；独占类型由 CheckConflict 报告该错误
	default:
		return nil, err
	}
	return resolver, nil
}

func (s *scheduleService) check(ctx context.Context, resolver *conflict.Resolver, req conflict.CheckRequest) error {
	verdict, err := resolver.CheckConflict(ctx, req)
	s.observe(verdict, err)
	if err != nil {
		return err
	}
	if err := verdict.Err(); err != nil {
		s.logger.Info("Schedule rejected",
			zap.Int64("mapping_id", req.MappingID),
			zap.String("cron_expression", req.Rule),
			zap.Int64("conflicting_schedule_id", verdict.ConflictingScheduleID),
			zap.Int64("farm_id", verdict.FarmID),
		)
		return err
	}
	return nil
}

func (s *scheduleService) observe(verdict conflict.Verdict, err error) {
	if s.metrics == nil {
		return
	}
	label := metrics.VerdictAccepted
	switch {
	case err != nil:
		label = metrics.VerdictError
	case !verdict.Accepted:
		label = metrics.VerdictRejected
	}
	s.metrics.ConflictChecks.WithLabelValues(label).Inc()
}

// validateSchedule 入口校验：非法 cron 与非正时长不会进入存储
func validateSchedule(rule string, durationMinutes int) error {
	if _, err := recurrence.Parse(rule); err != nil {
		return err
	}
	if durationMinutes <= 0 {
		return conflict.ErrInvalidDuration
	}
	return nil
}
