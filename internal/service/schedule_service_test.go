package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/manumohan/farm-automation/internal/conflict"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/recurrence"
	"github.com/manumohan/farm-automation/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	mappingCols  = []string{"id", "device_id", "farm_id", "section_id", "peripheral_type_id", "gpio_pin", "is_deleted"}
	scheduleCols = []string{"id", "peripheral_mapping_id", "cron_expression", "duration_minutes", "is_deleted"}
)

const (
	getMappingSQL    = `FROM peripheral_mappings m\s+WHERE m.id = \$1`
	listPeersSQL     = `pt.exclusive_schedule = TRUE`
	listSchedulesSQL = `FROM schedules\s+WHERE peripheral_mapping_id = \$1`
)

func setupScheduleService(t *testing.T) (sqlmock.Sqlmock, ScheduleService, *metrics.Metrics) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	m := metrics.New()
	svc := NewScheduleService(
		db,
		repository.NewPeripheralRepository(db, logger),
		repository.NewScheduleRepository(db, logger),
		conflict.Config{},
		m,
		logger,
	)
	return mock, svc, m
}

// farm 1：mapping 10 直挂农场的水泵（P2），mapping 11 挂在 section 7 的水泵（P1，已有 06:00 计划 100）
func expectFarmPumpMapping(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(getMappingSQL).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(mappingCols).AddRow(10, 3, 1, nil, 2, 4, false))
}

func expectMappingDeleted(mock sqlmock.Sqlmock, mappingID int64, deleted bool) {
	mock.ExpectQuery(`SELECT is_deleted FROM peripheral_mappings WHERE id = \$1`).
		WithArgs(mappingID).
		WillReturnRows(sqlmock.NewRows([]string{"is_deleted"}).AddRow(deleted))
}

func expectConflictQueries(mock sqlmock.Sqlmock, ownSchedules *sqlmock.Rows) {
	expectFarmPumpMapping(mock)
	mock.ExpectQuery(`FROM peripheral_types`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "scope", "exclusive_schedule"}).AddRow(2, "Pump", "farm", true))
	mock.ExpectQuery(listPeersSQL).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(mappingCols).
			AddRow(10, 3, 1, nil, 2, 4, false).
			AddRow(11, 4, nil, 7, 2, 17, false))
	mock.ExpectQuery(listSchedulesSQL).
		WithArgs(int64(10)).
		WillReturnRows(ownSchedules)
	mock.ExpectQuery(listSchedulesSQL).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows(scheduleCols).AddRow(100, 11, "0 6 * * *", 30, false))
}

func TestCreateSchedule_RejectedOnOverlap(t *testing.T) {
	mock, svc, m := setupScheduleService(t)

	mock.ExpectBegin()
	expectFarmPumpMapping(mock)
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(repository.FarmLockKey(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectConflictQueries(mock, sqlmock.NewRows(scheduleCols))
	mock.ExpectRollback()

	s, err := svc.CreateSchedule(context.Background(), CreateScheduleRequest{
		MappingID:       10,
		CronExpression:  "15 6 * * *",
		DurationMinutes: 30,
	})
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, conflict.ErrConflict))

	var ce *conflict.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(100), ce.ScheduleID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictChecks.WithLabelValues(metrics.VerdictRejected)))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSchedule_Accepted(t *testing.T) {
	mock, svc, m := setupScheduleService(t)

	mock.ExpectBegin()
	expectFarmPumpMapping(mock)
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(repository.FarmLockKey(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectConflictQueries(mock, sqlmock.NewRows(scheduleCols))
	mock.ExpectQuery(`INSERT INTO schedules`).
		WithArgs(int64(10), "0 8 * * *", 30).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(300))
	mock.ExpectCommit()

	s, err := svc.CreateSchedule(context.Background(), CreateScheduleRequest{
		MappingID:       10,
		CronExpression:  "0 8 * * *",
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), s.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictChecks.WithLabelValues(metrics.VerdictAccepted)))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSchedule_MalformedRuleNeverTouchesDB(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	_, err := svc.CreateSchedule(context.Background(), CreateScheduleRequest{
		MappingID:       10,
		CronExpression:  "0 6 * *",
		DurationMinutes: 30,
	})
	assert.True(t, errors.Is(err, recurrence.ErrMalformedRule))

	_, err = svc.CreateSchedule(context.Background(), CreateScheduleRequest{
		MappingID:       10,
		CronExpression:  "0 6 * * *",
		DurationMinutes: 0,
	})
	assert.True(t, errors.Is(err, conflict.ErrInvalidDuration))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSchedule_MappingNotFound(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(getMappingSQL).WithArgs(int64(404)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.CreateSchedule(context.Background(), CreateScheduleRequest{
		MappingID:       404,
		CronExpression:  "0 8 * * *",
		DurationMinutes: 30,
	})
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSchedule_ExcludesItself(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM schedules\s+WHERE id = \$1`).
		WithArgs(int64(300)).
		WillReturnRows(sqlmock.NewRows(scheduleCols).AddRow(300, 10, "0 8 * * *", 30, false))
	expectMappingDeleted(mock, 10, false)
	expectFarmPumpMapping(mock)
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(repository.FarmLockKey(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// 自身的旧版本 08:00-08:30 与新版本 08:00-08:45 重叠，但被排除
	expectConflictQueries(mock, sqlmock.NewRows(scheduleCols).AddRow(300, 10, "0 8 * * *", 30, false))
	mock.ExpectExec(`UPDATE schedules`).
		WithArgs(int64(300), "0 8 * * *", 45).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	duration := 45
	s, err := svc.UpdateSchedule(context.Background(), UpdateScheduleRequest{
		ScheduleID:      300,
		DurationMinutes: &duration,
	})
	require.NoError(t, err)
	assert.Equal(t, "0 8 * * *", s.CronExpression)
	assert.Equal(t, 45, s.DurationMinutes)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSchedule_RuleChangeConflicts(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM schedules\s+WHERE id = \$1`).
		WithArgs(int64(300)).
		WillReturnRows(sqlmock.NewRows(scheduleCols).AddRow(300, 10, "0 8 * * *", 30, false))
	expectMappingDeleted(mock, 10, false)
	expectFarmPumpMapping(mock)
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(repository.FarmLockKey(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectConflictQueries(mock, sqlmock.NewRows(scheduleCols).AddRow(300, 10, "0 8 * * *", 30, false))
	mock.ExpectRollback()

	rule := "20 6 * * *"
	_, err := svc.UpdateSchedule(context.Background(), UpdateScheduleRequest{
		ScheduleID:     300,
		CronExpression: &rule,
	})
	assert.True(t, errors.Is(err, conflict.ErrConflict))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSchedule_DeletedMappingSkipsConflictCheck(t *testing.T) {
	mock, svc, m := setupScheduleService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM schedules\s+WHERE id = \$1`).
		WithArgs(int64(301)).
		WillReturnRows(sqlmock.NewRows(scheduleCols).AddRow(301, 12, "0 6 * * *", 30, false))
	expectMappingDeleted(mock, 12, true)
	mock.ExpectExec(`UPDATE schedules`).
		WithArgs(int64(301), "0 6 * * *", 20).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	duration := 20
	s, err := svc.UpdateSchedule(context.Background(), UpdateScheduleRequest{
		ScheduleID:      301,
		DurationMinutes: &duration,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), s.PeripheralMappingID)
	assert.Equal(t, 20, s.DurationMinutes)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConflictChecks.WithLabelValues(metrics.VerdictAccepted)))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSchedule_NotFound(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM schedules\s+WHERE id = \$1`).
		WithArgs(int64(999)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.UpdateSchedule(context.Background(), UpdateScheduleRequest{ScheduleID: 999})
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSchedule(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	mock.ExpectExec(`SET is_deleted = TRUE`).
		WithArgs(int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.DeleteSchedule(context.Background(), 300))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSchedules_EmptyIsNotNil(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	mock.ExpectQuery(listSchedulesSQL).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(scheduleCols))

	schedules, err := svc.ListSchedules(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, schedules)
	assert.Empty(t, schedules)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckConflict_DryRun(t *testing.T) {
	mock, svc, _ := setupScheduleService(t)

	expectConflictQueries(mock, sqlmock.NewRows(scheduleCols))

	resp, err := svc.CheckConflict(context.Background(), CheckConflictRequest{
		MappingID:       10,
		CronExpression:  "15 6 * * *",
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, conflict.ReasonOverlap, resp.Reason)
	assert.Equal(t, int64(100), resp.ConflictingScheduleID)

	require.NoError(t, mock.ExpectationsWereMet())
}
