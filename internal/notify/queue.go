// Package notify 报警通知入队（Redis Streams，投递由外部 worker 完成）
package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	commonredis "github.com/aditya08deole/MAIN-sub001/common/redis"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// RecipientStore 订阅人查询
type RecipientStore interface {
	ListRecipients(ctx context.Context, tenantID, deviceID string) ([]models.Recipient, error)
}

// Queue 通知队列
type Queue struct {
	client     *redis.Client
	recipients RecipientStore
	stream     string
	group      string
	logger     *zap.Logger
}

// NewQueue 创建通知队列
func NewQueue(client *redis.Client, recipients RecipientStore, stream, group string, logger *zap.Logger) *Queue {
	return &Queue{
		client:     client,
		recipients: recipients,
		stream:     stream,
		group:      group,
		logger:     logger,
	}
}

// EnsureGroup 创建投递 worker 使用的消费者组
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return commonredis.CreateConsumerGroup(ctx, q.client, q.stream, q.group)
}

// Notify 查询订阅人并入队
func (q *Queue) Notify(ctx context.Context, rec *models.AlertRecord) error {
	recipients, err := q.recipients.ListRecipients(ctx, rec.TenantID, rec.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve recipients for alert %s: %w", rec.ID, err)
	}
	return q.Enqueue(ctx, rec, recipients)
}

// Enqueue 每个订阅人一条 pending 消息
func (q *Queue) Enqueue(ctx context.Context, rec *models.AlertRecord, recipients []models.Recipient) error {
	if len(recipients) == 0 {
		q.logger.Debug("No subscribers for alert",
			zap.String("alert_id", rec.ID),
			zap.String("device_id", rec.DeviceID),
		)
		return nil
	}

	for _, rc := range recipients {
		_, err := commonredis.PublishToStream(ctx, q.client, q.stream, map[string]interface{}{
			"alert_id": rec.ID,
			"user_id":  rc.UserID,
			"channel":  rc.Channel,
			"status":   models.NotificationPending,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue notification for alert %s: %w", rec.ID, err)
		}
	}

	q.logger.Info("Alert notifications enqueued",
		zap.String("alert_id", rec.ID),
		zap.Int("recipients", len(recipients)),
	)
	return nil
}
