package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/manumohan/farm-automation/internal/conflict"
	"github.com/manumohan/farm-automation/internal/recurrence"
	"github.com/manumohan/farm-automation/internal/repository"
	"github.com/manumohan/farm-automation/internal/service"

	"go.uber.org/zap"
)

const schedulesPrefix = "/api/v1/schedules/"

// ScheduleHandler 外设计划接口
//
//	GET    /api/v1/schedules/peripheral/{mappingID}
//	POST   /api/v1/schedules/peripheral/{mappingID}
//	PUT    /api/v1/schedules/{scheduleID}
//	DELETE /api/v1/schedules/{scheduleID}
//	POST   /api/v1/schedules/check
type ScheduleHandler struct {
	scheduleService service.ScheduleService
	logger          *zap.Logger
}

// NewScheduleHandler 创建计划 Handler
func NewScheduleHandler(scheduleService service.ScheduleService, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		scheduleService: scheduleService,
		logger:          logger,
	}
}

type scheduleBody struct {
	CronExpression    *string `json:"cron_expression"`
	DurationMinutes   *int    `json:"duration_minutes"`
	PeripheralID      int64   `json:"peripheral_id,omitempty"`       // 仅 /check 使用
	ExcludeScheduleID int64   `json:"exclude_schedule_id,omitempty"` // 仅 /check 使用
}

// ServeHTTP 实现 http.Handler 接口
func (h *ScheduleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, schedulesPrefix)

	// 路由分发
	switch {
	case rest == "check":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.CheckConflict(w, r)
	case strings.HasPrefix(rest, "peripheral/"):
		mappingID, ok := parseID(strings.TrimPrefix(rest, "peripheral/"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.ListSchedules(w, r, mappingID)
		case http.MethodPost:
			h.CreateSchedule(w, r, mappingID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		scheduleID, ok := parseID(rest)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPut:
			h.UpdateSchedule(w, r, scheduleID)
		case http.MethodDelete:
			h.DeleteSchedule(w, r, scheduleID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

// ListSchedules 列出外设的计划
func (h *ScheduleHandler) ListSchedules(w http.ResponseWriter, r *http.Request, mappingID int64) {
	schedules, err := h.scheduleService.ListSchedules(r.Context(), mappingID)
	if err != nil {
		h.writeError(w, "ListSchedules", err)
		return
	}
	out := make([]scheduleDTO, 0, len(schedules))
	for i := range schedules {
		out = append(out, toScheduleDTO(&schedules[i]))
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// CreateSchedule 新建计划
func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request, mappingID int64) {
	var body scheduleBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	if body.CronExpression == nil || body.DurationMinutes == nil {
		writeJSON(w, http.StatusBadRequest, Fail("cron_expression and duration_minutes are required"))
		return
	}

	s, err := h.scheduleService.CreateSchedule(r.Context(), service.CreateScheduleRequest{
		MappingID:       mappingID,
		CronExpression:  *body.CronExpression,
		DurationMinutes: *body.DurationMinutes,
	})
	if err != nil {
		h.writeError(w, "CreateSchedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(toScheduleDTO(s)))
}

// UpdateSchedule 更新计划（缺省字段沿用原值）
func (h *ScheduleHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request, scheduleID int64) {
	var body scheduleBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}

	s, err := h.scheduleService.UpdateSchedule(r.Context(), service.UpdateScheduleRequest{
		ScheduleID:      scheduleID,
		CronExpression:  body.CronExpression,
		DurationMinutes: body.DurationMinutes,
	})
	if err != nil {
		h.writeError(w, "UpdateSchedule", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(toScheduleDTO(s)))
}

// DeleteSchedule 软删除计划
func (h *ScheduleHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request, scheduleID int64) {
	if err := h.scheduleService.DeleteSchedule(r.Context(), scheduleID); err != nil {
		h.writeError(w, "DeleteSchedule", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": scheduleID, "deleted": true}))
}

// CheckConflict 冲突试算
func (h *ScheduleHandler) CheckConflict(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	if body.PeripheralID <= 0 || body.CronExpression == nil || body.DurationMinutes == nil {
		writeJSON(w, http.StatusBadRequest, Fail("peripheral_id, cron_expression and duration_minutes are required"))
		return
	}

	resp, err := h.scheduleService.CheckConflict(r.Context(), service.CheckConflictRequest{
		MappingID:         body.PeripheralID,
		CronExpression:    *body.CronExpression,
		DurationMinutes:   *body.DurationMinutes,
		ExcludeScheduleID: body.ExcludeScheduleID,
	})
	if err != nil {
		h.writeError(w, "CheckConflict", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// writeError 错误映射：用户可修正的 400，不存在 404，其余 500
func (h *ScheduleHandler) writeError(w http.ResponseWriter, op string, err error) {
	var ce *conflict.ConflictError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadRequest, FailWith(
			"Overlapping schedule not allowed for exclusive peripheral type",
			map[string]any{"reason": ce.Reason, "conflicting_schedule_id": ce.ScheduleID},
		))
	case errors.Is(err, recurrence.ErrMalformedRule), errors.Is(err, conflict.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}
