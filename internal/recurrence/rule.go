// Package recurrence expands 5-field cron rules into concrete occurrence instants.
//
// Expansion is bounded: callers ask for the next n starts after a reference instant.
// Anything that only happens after the n-th occurrence is invisible to the caller,
// which is how the conflict check approximates an unbounded future.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultLookAhead 默认展开的次数
const DefaultLookAhead = 7

// fieldNames 5 段 cron 的字段名（顺序与表达式一致）
var fieldNames = [...]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrMalformedRule 所有 MalformedRuleError 都匹配该哨兵错误
var ErrMalformedRule = errors.New("malformed recurrence rule")

// MalformedRuleError cron 表达式非法
// Field 为出错字段名（minute/hour/day-of-month/month/day-of-week），
// 整体结构错误（字段数不对、描述符非法）时为 "expression"
type MalformedRuleError struct {
	Expr  string
	Field string
	Err   error
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed recurrence rule %q: invalid %s: %v", e.Expr, e.Field, e.Err)
}

func (e *MalformedRuleError) Unwrap() error { return e.Err }

func (e *MalformedRuleError) Is(target error) bool { return target == ErrMalformedRule }

// Rule 解析后的重复规则
type Rule struct {
	expr     string
	schedule cron.Schedule
}

// Parse 解析 cron 表达式
func Parse(expr string) (*Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &MalformedRuleError{Expr: expr, Field: "expression", Err: errors.New("empty rule")}
	}

	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, &MalformedRuleError{Expr: expr, Field: offendingField(expr), Err: err}
	}
	return &Rule{expr: expr, schedule: schedule}, nil
}

// offendingField 逐字段探测，找出第一个无法解析的字段
func offendingField(expr string) string {
	if strings.HasPrefix(expr, "@") || strings.Contains(expr, "TZ=") {
		return "expression"
	}
	fields := strings.Fields(expr)
	if len(fields) != len(fieldNames) {
		return "expression"
	}
	for i, f := range fields {
		probe := []string{"*", "*", "*", "*", "*"}
		probe[i] = f
		if _, err := parser.Parse(strings.Join(probe, " ")); err != nil {
			return fieldNames[i]
		}
	}
	return "expression"
}

// String 返回原始表达式
func (r *Rule) String() string {
	return r.expr
}

// Next 返回严格晚于 after 的接下来 n 个触发时间（升序）
// 计算在 after 所在时区进行；规则在五年内无法再触发时返回的数量可能少于 n
func (r *Rule) Next(after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := after
	for len(out) < n {
		t = r.schedule.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Expand 解析并展开 expr
func Expand(expr string, after time.Time, n int) ([]time.Time, error) {
	rule, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return rule.Next(after, n), nil
}
