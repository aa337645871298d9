package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// StateRepository 设备运行状态仓库（乐观版本号）
type StateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStateRepository 创建状态仓库
func NewStateRepository(db *sql.DB, logger *zap.Logger) *StateRepository {
	return &StateRepository{db: db, logger: logger}
}

const stateColumns = `
	device_id,
	status,
	consecutive_failures,
	last_seen,
	last_sync,
	polling_paused,
	COALESCE(last_error, ''),
	version`

func scanState(row interface{ Scan(...any) error }) (*models.OperationalState, error) {
	var s models.OperationalState
	var status string
	var lastSeen, lastSync sql.NullTime
	if err := row.Scan(&s.DeviceID, &status, &s.ConsecutiveFailures, &lastSeen, &lastSync, &s.PollingPaused, &s.LastError, &s.Version); err != nil {
		return nil, err
	}
	s.Status = models.DeviceStatus(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		s.LastSeen = &t
	}
	if lastSync.Valid {
		t := lastSync.Time
		s.LastSync = &t
	}
	return &s, nil
}

// Get 读取设备状态，不存在返回 ErrNotFound
func (r *StateRepository) Get(ctx context.Context, deviceID string) (*models.OperationalState, error) {
	query := `SELECT` + stateColumns + `
		FROM device_operational_state
		WHERE device_id = $1`

	s, err := scanState(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device state: %w", err)
	}
	return s, nil
}

// ListAll 读取所有设备状态（启动时重建调度队列）
func (r *StateRepository) ListAll(ctx context.Context) ([]models.OperationalState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+stateColumns+` FROM device_operational_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list device states: %w", err)
	}
	defer rows.Close()

	var states []models.OperationalState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device state: %w", err)
		}
		states = append(states, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device states: %w", err)
	}
	return states, nil
}

// CreateIfAbsent 首次使用时插入初始行，已存在则不变
func (r *StateRepository) CreateIfAbsent(ctx context.Context, s *models.OperationalState) error {
	query := `
		INSERT INTO device_operational_state (
			device_id, status, consecutive_failures, polling_paused, version
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, s.DeviceID, string(s.Status), s.ConsecutiveFailures, s.PollingPaused, s.Version); err != nil {
		return fmt.Errorf("failed to create device state: %w", err)
	}
	return nil
}

// CompareAndSwap 仅当版本号仍为 expectedVersion 时写入 next（版本号 +1）
// 返回 false 表示并发写入冲突
func (r *StateRepository) CompareAndSwap(ctx context.Context, next *models.OperationalState, expectedVersion int64) (bool, error) {
	query := `
		UPDATE device_operational_state
		SET status = $1,
		    consecutive_failures = $2,
		    last_seen = $3,
		    last_sync = $4,
		    polling_paused = $5,
		    last_error = NULLIF($6, ''),
		    version = version + 1,
		    updated_at = NOW()
		WHERE device_id = $7
		  AND version = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		string(next.Status),
		next.ConsecutiveFailures,
		nullTime(next.LastSeen),
		nullTime(next.LastSync),
		next.PollingPaused,
		next.LastError,
		next.DeviceID,
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update device state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
