package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// SubscriptionRepository 报警订阅仓库
type SubscriptionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSubscriptionRepository 创建订阅仓库
func NewSubscriptionRepository(db *sql.DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, logger: logger}
}

// ListRecipients 设备级订阅与租户级订阅（device_id 为空）合并去重
func (r *SubscriptionRepository) ListRecipients(ctx context.Context, tenantID, deviceID string) ([]models.Recipient, error) {
	query := `
		SELECT DISTINCT user_id, channel
		FROM alert_subscriptions
		WHERE tenant_id = $1
		  AND (device_id = $2 OR device_id IS NULL)
		  AND enabled = TRUE
		ORDER BY user_id, channel
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert subscriptions: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var rc models.Recipient
		if err := rows.Scan(&rc.UserID, &rc.Channel); err != nil {
			return nil, fmt.Errorf("failed to scan alert subscription: %w", err)
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert subscriptions: %w", err)
	}
	return recipients, nil
}
