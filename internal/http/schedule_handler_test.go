package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/manumohan/farm-automation/internal/conflict"
	"github.com/manumohan/farm-automation/internal/models"
	"github.com/manumohan/farm-automation/internal/recurrence"
	"github.com/manumohan/farm-automation/internal/repository"
	"github.com/manumohan/farm-automation/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeScheduleService struct {
	schedules []models.Schedule
	err       error

	created  *service.CreateScheduleRequest
	updated  *service.UpdateScheduleRequest
	deleted  int64
	checked  *service.CheckConflictRequest
	response *service.CheckConflictResponse
}

func (f *fakeScheduleService) ListSchedules(_ context.Context, mappingID int64) ([]models.Schedule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.schedules, nil
}

func (f *fakeScheduleService) CreateSchedule(_ context.Context, req service.CreateScheduleRequest) (*models.Schedule, error) {
	f.created = &req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Schedule{ID: 101, PeripheralMappingID: req.MappingID, CronExpression: req.CronExpression, DurationMinutes: req.DurationMinutes}, nil
}

func (f *fakeScheduleService) UpdateSchedule(_ context.Context, req service.UpdateScheduleRequest) (*models.Schedule, error) {
	f.updated = &req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Schedule{ID: req.ScheduleID, PeripheralMappingID: 10, CronExpression: "0 7 * * *", DurationMinutes: 15}, nil
}

func (f *fakeScheduleService) DeleteSchedule(_ context.Context, scheduleID int64) error {
	f.deleted = scheduleID
	return f.err
}

func (f *fakeScheduleService) CheckConflict(_ context.Context, req service.CheckConflictRequest) (*service.CheckConflictResponse, error) {
	f.checked = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func newScheduleTestRouter(svc service.ScheduleService) *Router {
	router := NewRouter(zap.NewNop())
	router.RegisterScheduleRoutes(NewScheduleHandler(svc, zap.NewNop()))
	return router
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestScheduleHandler_List(t *testing.T) {
	svc := &fakeScheduleService{schedules: []models.Schedule{
		{ID: 100, PeripheralMappingID: 10, CronExpression: "0 6 * * *", DurationMinutes: 30},
	}}
	rec, out := doRequest(t, newScheduleTestRouter(svc), http.MethodGet, "/api/v1/schedules/peripheral/10", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(ResultSuccess), out["code"])
	items := out["result"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, float64(100), first["id"])
	assert.Equal(t, "0 6 * * *", first["cron_expression"])
}

func TestScheduleHandler_Create(t *testing.T) {
	svc := &fakeScheduleService{}
	rec, out := doRequest(t, newScheduleTestRouter(svc), http.MethodPost, "/api/v1/schedules/peripheral/10",
		`{"cron_expression":"0 7 * * *","duration_minutes":15}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, svc.created)
	assert.Equal(t, int64(10), svc.created.MappingID)
	assert.Equal(t, 15, svc.created.DurationMinutes)
	assert.Equal(t, float64(101), out["result"].(map[string]any)["id"])
}

func TestScheduleHandler_CreateMissingFields(t *testing.T) {
	svc := &fakeScheduleService{}
	rec, _ := doRequest(t, newScheduleTestRouter(svc), http.MethodPost, "/api/v1/schedules/peripheral/10",
		`{"cron_expression":"0 7 * * *"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.created)
}

func TestScheduleHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"conflict", &conflict.ConflictError{ScheduleID: 100, Reason: conflict.ReasonOverlap}, http.StatusBadRequest},
		{"malformed rule", fmt.Errorf("%w: bad hour", recurrence.ErrMalformedRule), http.StatusBadRequest},
		{"invalid duration", conflict.ErrInvalidDuration, http.StatusBadRequest},
		{"not found", fmt.Errorf("mapping 99: %w", repository.ErrNotFound), http.StatusNotFound},
		{"store failure", fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeScheduleService{err: tt.err}
			rec, out := doRequest(t, newScheduleTestRouter(svc), http.MethodPost, "/api/v1/schedules/peripheral/10",
				`{"cron_expression":"0 7 * * *","duration_minutes":15}`)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, float64(ResultError), out["code"])
		})
	}
}

func TestScheduleHandler_ConflictCarriesScheduleID(t *testing.T) {
	svc := &fakeScheduleService{err: &conflict.ConflictError{ScheduleID: 100, Reason: conflict.ReasonOverlap}}
	_, out := doRequest(t, newScheduleTestRouter(svc), http.MethodPost, "/api/v1/schedules/peripheral/10",
		`{"cron_expression":"0 6 * * *","duration_minutes":15}`)

	result := out["result"].(map[string]any)
	assert.Equal(t, float64(100), result["conflicting_schedule_id"])
	assert.Equal(t, conflict.ReasonOverlap, result["reason"])
}

func TestScheduleHandler_UpdatePartial(t *testing.T) {
	svc := &fakeScheduleService{}
	rec, _ := doRequest(t, newScheduleTestRouter(svc), http.MethodPut, "/api/v1/schedules/100", `{"duration_minutes":15}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.updated)
	assert.Equal(t, int64(100), svc.updated.ScheduleID)
	assert.Nil(t, svc.updated.CronExpression)
	require.NotNil(t, svc.updated.DurationMinutes)
	assert.Equal(t, 15, *svc.updated.DurationMinutes)
}

func TestScheduleHandler_Delete(t *testing.T) {
	svc := &fakeScheduleService{}
	rec, _ := doRequest(t, newScheduleTestRouter(svc), http.MethodDelete, "/api/v1/schedules/100", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100), svc.deleted)
}

func TestScheduleHandler_Check(t *testing.T) {
	svc := &fakeScheduleService{response: &service.CheckConflictResponse{
		Accepted: false, Reason: conflict.ReasonOverlap, ConflictingScheduleID: 100,
	}}
	rec, out := doRequest(t, newScheduleTestRouter(svc), http.MethodPost, "/api/v1/schedules/check",
		`{"peripheral_id":11,"cron_expression":"15 6 * * *","duration_minutes":10,"exclude_schedule_id":7}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.checked)
	assert.Equal(t, int64(11), svc.checked.MappingID)
	assert.Equal(t, int64(7), svc.checked.ExcludeScheduleID)
	result := out["result"].(map[string]any)
	assert.Equal(t, false, result["accepted"])
	assert.Equal(t, float64(100), result["conflicting_schedule_id"])
}

func TestScheduleHandler_BadPathsAndMethods(t *testing.T) {
	router := newScheduleTestRouter(&fakeScheduleService{})

	rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/schedules/peripheral/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doRequest(t, router, http.MethodGet, "/api/v1/schedules/check", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = doRequest(t, router, http.MethodPatch, "/api/v1/schedules/100", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/api/v1/schedules/peripheral/10", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
