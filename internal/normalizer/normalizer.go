// Package normalizer 将提供方原始 feed 转换为规范化读数
package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// Normalizer 规范化器（无状态）
type Normalizer struct {
	logger *zap.Logger
}

// New 创建规范化器
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize 按字段映射转换原始 feed
// 单个字段解析失败只跳过该字段；没有任何字段成功时返回 nil
func (n *Normalizer) Normalize(device *models.Device, raw *models.RawFeed, mappings []models.FieldMapping) *models.NormalizedReading {
	if raw == nil {
		return nil
	}

	values := make(map[string]any, len(mappings))
	for _, m := range mappings {
		rawValue, ok := raw.Fields[m.ProviderField]
		if !ok || isBlank(rawValue) {
			n.logger.Debug("Provider field absent",
				zap.String("device_id", device.ID),
				zap.String("field", m.ProviderField),
			)
			continue
		}

		v, err := Convert(m, rawValue)
		if err != nil {
			n.logger.Warn("Failed to normalize field",
				zap.String("device_id", device.ID),
				zap.String("field", m.ProviderField),
				zap.String("canonical", m.CanonicalName),
				zap.String("failure_kind", "data"),
				zap.Error(err),
			)
			continue
		}
		values[m.CanonicalName] = v
	}

	if len(values) == 0 {
		return nil
	}

	return &models.NormalizedReading{
		DeviceID:  device.ID,
		TenantID:  device.TenantID,
		Timestamp: raw.CreatedAt,
		EntryID:   raw.EntryID,
		Values:    values,
	}
}

// Convert 按数据类型解析并校准单个值：value = raw*scale + offset
func Convert(m models.FieldMapping, raw any) (any, error) {
	switch m.DataType {
	case models.TypeFloat:
		f, err := parseFloat(raw)
		if err != nil {
			return nil, err
		}
		return f*m.EffectiveScale() + m.Offset, nil

	case models.TypeInteger:
		f, err := parseFloat(raw)
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f*m.EffectiveScale() + m.Offset)), nil

	case models.TypeBoolean:
		return parseBool(raw)

	case models.TypeString:
		return fmt.Sprintf("%v", raw), nil

	default:
		return nil, fmt.Errorf("unsupported data type %q", m.DataType)
	}
}

// Denormalize 校准的逆运算，返回原始数值
func Denormalize(m models.FieldMapping, value any) (any, error) {
	switch m.DataType {
	case models.TypeFloat, models.TypeInteger:
		f, err := parseFloat(value)
		if err != nil {
			return nil, err
		}
		return (f - m.Offset) / m.EffectiveScale(), nil
	case models.TypeBoolean, models.TypeString:
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported data type %q", m.DataType)
	}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

func parseFloat(v any) (float64, error) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", val, err)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", val, err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	return f, nil
}

func parseBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case json.Number:
		return val.String() != "0", nil
	case float64:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", val)
	}
	return false, fmt.Errorf("unsupported boolean type %T", v)
}
