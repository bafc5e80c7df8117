package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manumohan/farm-automation/internal/models"
	"github.com/manumohan/farm-automation/internal/recurrence"
	"github.com/manumohan/farm-automation/internal/repository"

	"go.uber.org/zap"
)

// Catalog 冲突检测所需的只读数据
// 实现方在记录不存在（或已软删除）时返回 repository.ErrNotFound
type Catalog interface {
	GetMapping(ctx context.Context, mappingID int64) (*models.PeripheralMapping, error)
	GetPeripheralType(ctx context.Context, typeID int64) (*models.PeripheralType, error)
	GetSectionFarmID(ctx context.Context, sectionID int64) (int64, error)
	ListExclusiveMappingsInFarm(ctx context.Context, farmID int64) ([]models.PeripheralMapping, error)
	ListActiveSchedules(ctx context.Context, mappingID int64) ([]models.Schedule, error)
}

// Config 冲突检测配置
type Config struct {
	// LookAhead 每个计划展开的次数。只比较双方各自接下来的 LookAhead 次运行，
	// 首次重叠发生在任一方第 LookAhead 次运行之后的冲突检测不到。
	LookAhead int
	// Location cron 表达式按该时区解释
	Location *time.Location
}

// CheckRequest 冲突检测请求
type CheckRequest struct {
	MappingID       int64
	Rule            string
	DurationMinutes int
	// ExcludeScheduleID 更新计划时排除自身；0 表示新建
	ExcludeScheduleID int64
}

// Verdict 检测结果
type Verdict struct {
	Accepted              bool
	Reason                string
	ConflictingScheduleID int64
	FarmID                int64
}

// Err 将拒绝结果转换为 *ConflictError，接受时返回 nil
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &ConflictError{ScheduleID: v.ConflictingScheduleID, Reason: v.Reason}
}

// Resolver 独占外设计划冲突检测
type Resolver struct {
	catalog Catalog
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewResolver 创建冲突检测器
func NewResolver(catalog Catalog, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = recurrence.DefaultLookAhead
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Resolver{
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// ResolveFarm 解析外设映射所属农场：farm 级映射直接取 farm_id，section 级映射取 section 的 farm_id
func (r *Resolver) ResolveFarm(ctx context.Context, mappingID int64) (int64, error) {
	mapping, err := r.catalog.GetMapping(ctx, mappingID)
	if err != nil {
		return 0, fmt.Errorf("failed to get mapping %d: %w", mappingID, err)
	}
	return r.resolveFarm(ctx, mapping)
}

func (r *Resolver) resolveFarm(ctx context.Context, mapping *models.PeripheralMapping) (int64, error) {
	if mapping.FarmID != nil {
		return *mapping.FarmID, nil
	}
	if mapping.SectionID == nil {
		return 0, fmt.Errorf("mapping %d: %w", mapping.ID, ErrUnresolvableScope)
	}
	farmID, err := r.catalog.GetSectionFarmID(ctx, *mapping.SectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, fmt.Errorf("mapping %d section %d: %w", mapping.ID, *mapping.SectionID, ErrUnresolvableScope)
		}
		return 0, fmt.Errorf("failed to resolve section %d: %w", *mapping.SectionID, err)
	}
	return farmID, nil
}

// CheckConflict 判断候选计划是否与同农场（含全部 section）任一独占外设的计划重叠
func (r *Resolver) CheckConflict(ctx context.Context, req CheckRequest) (Verdict, error) {
	if req.DurationMinutes <= 0 {
		return Verdict{}, ErrInvalidDuration
	}
	rule, err := recurrence.Parse(req.Rule)
	if err != nil {
		return Verdict{}, err
	}

	mapping, err := r.catalog.GetMapping(ctx, req.MappingID)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to get mapping %d: %w", req.MappingID, err)
	}
	ptype, err := r.catalog.GetPeripheralType(ctx, mapping.PeripheralTypeID)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to get peripheral type %d: %w", mapping.PeripheralTypeID, err)
	}
	// 非独占类型不参与协调
	if !ptype.Exclusive {
		return Verdict{Accepted: true}, nil
	}

	farmID, err := r.resolveFarm(ctx, mapping)
	if err != nil {
		return Verdict{}, err
	}

	peers, err := r.catalog.ListExclusiveMappingsInFarm(ctx, farmID)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to list exclusive mappings for farm %d: %w", farmID, err)
	}

	now := r.now().In(r.cfg.Location)
	duration := time.Duration(req.DurationMinutes) * time.Minute
	candidate := make([]Interval, 0, r.cfg.LookAhead)
	for _, start := range rule.Next(now, r.cfg.LookAhead) {
		candidate = append(candidate, NewInterval(start, duration))
	}

	for _, peer := range peers {
		schedules, err := r.catalog.ListActiveSchedules(ctx, peer.ID)
		if err != nil {
			return Verdict{}, fmt.Errorf("failed to list schedules for mapping %d: %w", peer.ID, err)
		}
		for i := range schedules {
			s := &schedules[i]
			if req.ExcludeScheduleID != 0 && s.ID == req.ExcludeScheduleID {
				continue
			}
			if !s.HasDuration() {
				continue
			}
			peerRule, err := recurrence.Parse(s.CronExpression)
			if err != nil {
				// 存量数据中的非法表达式无法展开，跳过但留痕
				r.logger.Warn("Skipping schedule with malformed rule",
					zap.Int64("schedule_id", s.ID),
					zap.String("cron_expression", s.CronExpression),
					zap.Error(err),
				)
				continue
			}
			if id, ok := firstOverlap(candidate, peerRule.Next(now, r.cfg.LookAhead), s.Duration()); ok {
				r.logger.Debug("Overlap detected",
					zap.Int64("mapping_id", req.MappingID),
					zap.Int64("farm_id", farmID),
					zap.Int64("schedule_id", s.ID),
					zap.Time("candidate_start", candidate[id].Start),
				)
				return Verdict{
					Accepted:              false,
					Reason:                ReasonOverlap,
					ConflictingScheduleID: s.ID,
					FarmID:                farmID,
				}, nil
			}
		}
	}

	return Verdict{Accepted: true, FarmID: farmID}, nil
}

// firstOverlap 返回第一个与任一 peer 区间重叠的候选区间下标
func firstOverlap(candidate []Interval, peerStarts []time.Time, peerDuration time.Duration) (int, bool) {
	for i, c := range candidate {
		for _, start := range peerStarts {
			if Overlaps(c, NewInterval(start, peerDuration)) {
				return i, true
			}
		}
	}
	return 0, false
}
