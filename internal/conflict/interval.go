package conflict

import "time"

// Interval 半开区间 [Start, End)
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval 以起点和时长构造区间
func NewInterval(start time.Time, d time.Duration) Interval {
	return Interval{Start: start, End: start.Add(d)}
}

// Overlaps 判断两个半开区间是否重叠：max(start) < min(end)
func Overlaps(a, b Interval) bool {
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if b.End.Before(end) {
		end = b.End
	}
	return start.Before(end)
}
