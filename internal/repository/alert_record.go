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

// AlertRecordRepository 报警记录仓库
// 依赖部分唯一索引 (device_id, rule_id) WHERE resolved_at IS NULL
type AlertRecordRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRecordRepository 创建报警记录仓库
func NewAlertRecordRepository(db *sql.DB, logger *zap.Logger) *AlertRecordRepository {
	return &AlertRecordRepository{db: db, logger: logger}
}

const recordColumns = `
	alert_id,
	tenant_id,
	device_id,
	rule_id,
	COALESCE(metric, ''),
	severity,
	triggered_at,
	resolved_at,
	value_at_trigger`

const recordColumnsAliased = `
	ar.alert_id,
	ar.tenant_id,
	ar.device_id,
	ar.rule_id,
	COALESCE(ar.metric, ''),
	ar.severity,
	ar.triggered_at,
	ar.resolved_at,
	ar.value_at_trigger`

func scanRecord(row interface{ Scan(...any) error }) (*models.AlertRecord, error) {
	var rec models.AlertRecord
	var severity string
	var resolvedAt sql.NullTime
	var value sql.NullFloat64
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.DeviceID, &rec.RuleID, &rec.Metric, &severity, &rec.TriggeredAt, &resolvedAt, &value); err != nil {
		return nil, err
	}
	rec.Severity = models.Severity(severity)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	if value.Valid {
		v := value.Float64
		rec.ValueAtTrigger = &v
	}
	return &rec, nil
}

// FindUnresolved 查询 (device, rule) 的未解决记录，没有时返回 nil, nil
func (r *AlertRecordRepository) FindUnresolved(ctx context.Context, deviceID, ruleID string) (*models.AlertRecord, error) {
	query := `SELECT` + recordColumns + `
		FROM alert_records
		WHERE device_id = $1
		  AND rule_id = $2
		  AND resolved_at IS NULL
		LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, deviceID, ruleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find unresolved alert: %w", err)
	}
	return rec, nil
}

// InsertUnresolved 插入未解决记录；已有未解决记录时返回 false
func (r *AlertRecordRepository) InsertUnresolved(ctx context.Context, rec *models.AlertRecord) (bool, error) {
	query := `
		INSERT INTO alert_records (
			alert_id, tenant_id, device_id, rule_id, metric,
			severity, triggered_at, value_at_trigger
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (device_id, rule_id) WHERE resolved_at IS NULL DO NOTHING
	`

	var value sql.NullFloat64
	if rec.ValueAtTrigger != nil {
		value = sql.NullFloat64{Float64: *rec.ValueAtTrigger, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.DeviceID, rec.RuleID, rec.Metric,
		string(rec.Severity), rec.TriggeredAt, value,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert alert record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// Resolve 标记为已解决；已解决的记录不再更新，返回 false
func (r *AlertRecordRepository) Resolve(ctx context.Context, alertID string, at time.Time) (bool, error) {
	query := `
		UPDATE alert_records
		SET resolved_at = $2
		WHERE alert_id = $1
		  AND resolved_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, alertID, at)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// LastTriggeredAt 最近一次触发时间，没有记录返回 nil
func (r *AlertRecordRepository) LastTriggeredAt(ctx context.Context, deviceID, ruleID string) (*time.Time, error) {
	query := `
		SELECT MAX(triggered_at)
		FROM alert_records
		WHERE device_id = $1
		  AND rule_id = $2
	`

	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, deviceID, ruleID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to get last trigger time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

// CountUnresolved 设备当前未解决记录数
func (r *AlertRecordRepository) CountUnresolved(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_records WHERE device_id = $1 AND resolved_at IS NULL`,
		deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved alerts: %w", err)
	}
	return n, nil
}

// ListOrphaned 规则已删除或停用但仍未解决的记录（不含离线记录）
func (r *AlertRecordRepository) ListOrphaned(ctx context.Context) ([]models.AlertRecord, error) {
	query := `SELECT` + recordColumnsAliased + `
		FROM alert_records ar
		LEFT JOIN alert_rules r ON r.rule_id = ar.rule_id
		WHERE ar.resolved_at IS NULL
		  AND ar.rule_id <> $1
		  AND (r.rule_id IS NULL OR r.enabled = FALSE)`

	return r.list(ctx, query, models.OfflineRuleID)
}

// ListRecoveredOffline 设备已恢复在线但离线记录仍未解决
func (r *AlertRecordRepository) ListRecoveredOffline(ctx context.Context) ([]models.AlertRecord, error) {
	query := `SELECT` + recordColumnsAliased + `
		FROM alert_records ar
		JOIN device_operational_state s ON s.device_id = ar.device_id
		WHERE ar.resolved_at IS NULL
		  AND ar.rule_id = $1
		  AND s.status IN ('online', 'alert')`

	return r.list(ctx, query, models.OfflineRuleID)
}

func (r *AlertRecordRepository) list(ctx context.Context, query string, args ...any) ([]models.AlertRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert records: %w", err)
	}
	defer rows.Close()

	var records []models.AlertRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert records: %w", err)
	}
	return records, nil
}
