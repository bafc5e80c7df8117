package models

import "time"

// Schedule 外设定时计划（对应 schedules 表）
type Schedule struct {
	ID                  int64
	PeripheralMappingID int64
	CronExpression      string // 5 段 cron：分 时 日 月 周
	DurationMinutes     int    // > 0
	IsDeleted           bool
}

// Duration 运行时长
func (s *Schedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// HasDuration 是否有可用的时长（历史数据可能为空或非法）
func (s *Schedule) HasDuration() bool {
	return s.DurationMinutes > 0
}
