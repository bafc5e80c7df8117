package httpapi

import (
	"time"

	"github.com/manumohan/farm-automation/internal/models"
)

type scheduleDTO struct {
	ID              int64  `json:"id"`
	PeripheralID    int64  `json:"peripheral_id"`
	CronExpression  string `json:"cron_expression"`
	DurationMinutes int    `json:"duration_minutes"`
}

func toScheduleDTO(s *models.Schedule) scheduleDTO {
	return scheduleDTO{
		ID:              s.ID,
		PeripheralID:    s.PeripheralMappingID,
		CronExpression:  s.CronExpression,
		DurationMinutes: s.DurationMinutes,
	}
}

type livenessDTO struct {
	DeviceID string     `json:"device_id"`
	FarmID   string     `json:"farm_id,omitempty"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
}

func toLivenessDTO(rec *models.DeviceLivenessRecord) livenessDTO {
	return livenessDTO{
		DeviceID: rec.DeviceID,
		FarmID:   rec.FarmID,
		Status:   string(rec.Status),
		LastSeen: rec.LastSeen,
	}
}
