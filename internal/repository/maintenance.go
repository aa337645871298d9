package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MaintenanceRepository 维护窗口仓库
type MaintenanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMaintenanceRepository 创建维护窗口仓库
func NewMaintenanceRepository(db *sql.DB, logger *zap.Logger) *MaintenanceRepository {
	return &MaintenanceRepository{db: db, logger: logger}
}

// IsActive at 时刻设备是否处于维护窗口内
func (r *MaintenanceRepository) IsActive(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM maintenance_windows
			WHERE device_id = $1
			  AND starts_at <= $2
			  AND (ends_at IS NULL OR ends_at > $2)
		)
	`

	var active bool
	if err := r.db.QueryRowContext(ctx, query, deviceID, at).Scan(&active); err != nil {
		return false, fmt.Errorf("failed to check maintenance window: %w", err)
	}
	return active, nil
}
