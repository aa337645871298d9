package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// AlertRuleRepository 报警规则仓库（只读）
type AlertRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRuleRepository 创建报警规则仓库
func NewAlertRuleRepository(db *sql.DB, logger *zap.Logger) *AlertRuleRepository {
	return &AlertRuleRepository{db: db, logger: logger}
}

// ListByDevice 获取设备的启用规则
func (r *AlertRuleRepository) ListByDevice(ctx context.Context, deviceID string) ([]models.AlertRule, error) {
	query := `
		SELECT
			rule_id,
			device_id,
			metric,
			operator,
			threshold,
			severity,
			COALESCE(cooldown_seconds, 0),
			enabled
		FROM alert_rules
		WHERE device_id = $1
		  AND enabled = TRUE
		ORDER BY rule_id
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var rule models.AlertRule
		var severity string
		if err := rows.Scan(&rule.ID, &rule.DeviceID, &rule.Metric, &rule.Operator, &rule.Threshold, &severity, &rule.CooldownSeconds, &rule.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rule.Severity = models.Severity(severity)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rules: %w", err)
	}
	return rules, nil
}
