package models

// DataType 规范字段数据类型
type DataType string

const (
	TypeFloat   DataType = "float"
	TypeInteger DataType = "integer"
	TypeBoolean DataType = "boolean"
	TypeString  DataType = "string"
)

// FieldMapping 提供方字段到规范字段的映射（对应 field_mappings 表）
// (device_id, provider_field) 与 (device_id, canonical_name) 均唯一
type FieldMapping struct {
	DeviceID      string   `json:"device_id" db:"device_id"`
	ProviderField string   `json:"provider_field" db:"provider_field"`
	CanonicalName string   `json:"canonical_name" db:"canonical_name"`
	DataType      DataType `json:"data_type" db:"data_type"`
	Scale         float64  `json:"scale" db:"scale"`
	Offset        float64  `json:"offset" db:"offset"`
	Unit          string   `json:"unit,omitempty" db:"unit"`
}

// EffectiveScale 未配置（0）时按 1 处理
func (m FieldMapping) EffectiveScale() float64 {
	if m.Scale == 0 {
		return 1
	}
	return m.Scale
}
