package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// ReadingRepository 规范化读数仓库
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建读数仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{db: db, logger: logger}
}

// Insert 写入读数；同一设备同一 entry_id 重复写入时忽略，返回 0
func (r *ReadingRepository) Insert(ctx context.Context, reading *models.NormalizedReading) (int64, error) {
	values, err := json.Marshal(reading.Values)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal reading values: %w", err)
	}

	query := `
		INSERT INTO telemetry_readings (
			tenant_id, device_id, entry_id, recorded_at, "values"
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, entry_id) DO NOTHING
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, query,
		reading.TenantID,
		reading.DeviceID,
		reading.EntryID,
		reading.Timestamp,
		string(values),
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}
	return id, nil
}
