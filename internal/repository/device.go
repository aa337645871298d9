package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// DeviceRepository 设备仓库（只读，设备由租户子系统维护）
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{db: db, logger: logger}
}

const deviceColumns = `
	device_id,
	tenant_id,
	channel_id,
	COALESCE(read_api_key, ''),
	COALESCE(device_class, ''),
	COALESCE(poll_interval_seconds, 0),
	enabled`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	var d models.Device
	var class string
	if err := row.Scan(&d.ID, &d.TenantID, &d.ChannelID, &d.ReadAPIKey, &class, &d.PollIntervalSeconds, &d.Enabled); err != nil {
		return nil, err
	}
	d.Class = models.DeviceClass(class)
	return &d, nil
}

// ListEnabled 列出所有启用且配置了 channel 的设备
func (r *DeviceRepository) ListEnabled(ctx context.Context) ([]models.Device, error) {
	query := `SELECT` + deviceColumns + `
		FROM devices
		WHERE enabled = TRUE
		  AND channel_id IS NOT NULL
		  AND channel_id <> ''
		ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

// Get 获取单个设备
func (r *DeviceRepository) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT` + deviceColumns + `
		FROM devices
		WHERE device_id = $1`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}
