package conflict

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvableScope 外设映射既没有 farm 也没有可解析的 section（数据完整性问题）
	ErrUnresolvableScope = errors.New("peripheral mapping has no resolvable farm scope")
	// ErrInvalidDuration 运行时长必须为正整数分钟
	ErrInvalidDuration = errors.New("duration must be a positive number of minutes")
	// ErrConflict 所有 ConflictError 都匹配该哨兵错误
	ErrConflict = errors.New("conflict rejected")
)

// ReasonOverlap 拒绝原因
const ReasonOverlap = "overlapping schedule exists"

// ConflictError 与农场内其它独占外设计划时间重叠
type ConflictError struct {
	ScheduleID int64
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict rejected: %s (schedule_id=%d)", e.Reason, e.ScheduleID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
