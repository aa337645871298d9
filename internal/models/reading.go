package models

import (
	"strconv"
	"time"
)

// RawFeed 提供方原始数据（最新一条 feed）
type RawFeed struct {
	CreatedAt time.Time
	EntryID   int64
	Fields    map[string]any
}

// NormalizedReading 规范化后的读数
// Values 的值类型为 float64、int64、bool 或 string
type NormalizedReading struct {
	DeviceID  string         `json:"device_id"`
	TenantID  string         `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	EntryID   int64          `json:"entry_id"`
	Values    map[string]any `json:"values"`
}

// Numeric 返回规范字段的数值视图，非数值字段返回 false
func (r *NormalizedReading) Numeric(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
