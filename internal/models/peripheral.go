package models

// PeripheralScope 外设类型可挂载的层级
type PeripheralScope string

const (
	ScopeSection PeripheralScope = "section"
	ScopeFarm    PeripheralScope = "farm"
)

// PeripheralType 外设类型（对应 peripheral_types 表，只读参考数据）
// Exclusive 为 true 时，同一农场（含其所有 section）任意时刻最多只能有一个该类外设在运行
type PeripheralType struct {
	ID        int64
	Name      string
	Scope     PeripheralScope
	Exclusive bool
}

// PeripheralMapping 外设映射（对应 peripheral_mappings 表）
// FarmID 与 SectionID 有且仅有一个非空
type PeripheralMapping struct {
	ID               int64
	DeviceID         int64
	FarmID           *int64
	SectionID        *int64
	PeripheralTypeID int64
	GPIOPin          int
	IsDeleted        bool
}

// IsFarmScoped 是否直接挂在农场上
func (m *PeripheralMapping) IsFarmScoped() bool {
	return m.FarmID != nil
}

// IsSectionScoped 是否挂在 section 上
func (m *PeripheralMapping) IsSectionScoped() bool {
	return m.FarmID == nil && m.SectionID != nil
}
