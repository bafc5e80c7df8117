package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manumohan/farm-automation/internal/models"

	"go.uber.org/zap"
)

// PeripheralRepository 外设类型 / 外设映射 / 计划的只读查询（冲突检测数据源）
type PeripheralRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPeripheralRepository 创建外设仓库
func NewPeripheralRepository(db DBTX, logger *zap.Logger) *PeripheralRepository {
	return &PeripheralRepository{db: db, logger: logger}
}

// WithTx 返回绑定到事务的副本
func (r *PeripheralRepository) WithTx(tx *sql.Tx) *PeripheralRepository {
	return &PeripheralRepository{db: tx, logger: r.logger}
}

const mappingColumns = `
	m.id,
	m.device_id,
	m.farm_id,
	m.section_id,
	m.peripheral_type_id,
	m.gpio_pin,
	m.is_deleted
`

func scanMapping(row interface{ Scan(...any) error }) (*models.PeripheralMapping, error) {
	var (
		m         models.PeripheralMapping
		farmID    sql.NullInt64
		sectionID sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.DeviceID, &farmID, &sectionID, &m.PeripheralTypeID, &m.GPIOPin, &m.IsDeleted); err != nil {
		return nil, err
	}
	m.FarmID = nullInt64Ptr(farmID)
	m.SectionID = nullInt64Ptr(sectionID)
	return &m, nil
}

// GetMapping 获取未删除的外设映射
func (r *PeripheralRepository) GetMapping(ctx context.Context, mappingID int64) (*models.PeripheralMapping, error) {
	query := `SELECT` + mappingColumns + `
		FROM peripheral_mappings m
		WHERE m.id = $1 AND m.is_deleted = FALSE
	`
	m, err := scanMapping(r.db.QueryRowContext(ctx, query, mappingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("peripheral mapping %d: %w", mappingID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query peripheral mapping: %w", err)
	}
	return m, nil
}

// MappingDeleted 映射是否已软删除（不过滤已删除行）
// 已删除映射下的计划仍可按 id 访问
func (r *PeripheralRepository) MappingDeleted(ctx context.Context, mappingID int64) (bool, error) {
	var deleted bool
	err := r.db.QueryRowContext(ctx, `SELECT is_deleted FROM peripheral_mappings WHERE id = $1`, mappingID).Scan(&deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("peripheral mapping %d: %w", mappingID, ErrNotFound)
		}
		return false, fmt.Errorf("failed to query peripheral mapping: %w", err)
	}
	return deleted, nil
}

// GetPeripheralType 获取外设类型
func (r *PeripheralRepository) GetPeripheralType(ctx context.Context, typeID int64) (*models.PeripheralType, error) {
	query := `
		SELECT id, name, scope, exclusive_schedule
		FROM peripheral_types
		WHERE id = $1
	`
	var (
		pt    models.PeripheralType
		scope string
	)
	err := r.db.QueryRowContext(ctx, query, typeID).Scan(&pt.ID, &pt.Name, &scope, &pt.Exclusive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("peripheral type %d: %w", typeID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query peripheral type: %w", err)
	}
	pt.Scope = models.PeripheralScope(scope)
	return &pt, nil
}

// GetSectionFarmID 获取 section 所属农场
func (r *PeripheralRepository) GetSectionFarmID(ctx context.Context, sectionID int64) (int64, error) {
	var farmID int64
	err := r.db.QueryRowContext(ctx, `SELECT farm_id FROM sections WHERE id = $1`, sectionID).Scan(&farmID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("section %d: %w", sectionID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to query section: %w", err)
	}
	return farmID, nil
}

// ListExclusiveMappingsInFarm 列出农场内（farm 级 + 全部 section 级）未删除的独占类型外设映射
func (r *PeripheralRepository) ListExclusiveMappingsInFarm(ctx context.Context, farmID int64) ([]models.PeripheralMapping, error) {
	query := `SELECT` + mappingColumns + `
		FROM peripheral_mappings m
		JOIN peripheral_types pt ON pt.id = m.peripheral_type_id
		LEFT JOIN sections s ON s.id = m.section_id
		WHERE m.is_deleted = FALSE
		  AND pt.exclusive_schedule = TRUE
		  AND (m.farm_id = $1 OR s.farm_id = $1)
		ORDER BY m.id
	`
	rows, err := r.db.QueryContext(ctx, query, farmID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exclusive mappings: %w", err)
	}
	defer rows.Close()

	var out []models.PeripheralMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peripheral mapping: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate peripheral mappings: %w", err)
	}
	return out, nil
}

// ListActiveSchedules 列出映射下未删除的计划
func (r *PeripheralRepository) ListActiveSchedules(ctx context.Context, mappingID int64) ([]models.Schedule, error) {
	return listActiveSchedules(ctx, r.db, mappingID)
}
