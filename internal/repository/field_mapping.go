package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// FieldMappingRepository 字段映射仓库
type FieldMappingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewFieldMappingRepository 创建字段映射仓库
func NewFieldMappingRepository(db *sql.DB, logger *zap.Logger) *FieldMappingRepository {
	return &FieldMappingRepository{db: db, logger: logger}
}

// ListByDevice 获取设备的全部字段映射，无配置时返回空切片
func (r *FieldMappingRepository) ListByDevice(ctx context.Context, deviceID string) ([]models.FieldMapping, error) {
	query := `
		SELECT
			device_id,
			provider_field,
			canonical_name,
			data_type,
			COALESCE(scale, 1),
			COALESCE("offset", 0),
			COALESCE(unit, '')
		FROM field_mappings
		WHERE device_id = $1
		ORDER BY provider_field
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list field mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.FieldMapping
	for rows.Next() {
		var m models.FieldMapping
		var dataType string
		if err := rows.Scan(&m.DeviceID, &m.ProviderField, &m.CanonicalName, &dataType, &m.Scale, &m.Offset, &m.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan field mapping: %w", err)
		}
		m.DataType = models.DataType(dataType)
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate field mappings: %w", err)
	}
	return mappings, nil
}
