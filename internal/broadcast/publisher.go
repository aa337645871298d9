// Package broadcast 实时事件广播（Redis Pub/Sub + 重放缓冲）
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// Mirror 可选的镜像出口（MQTT 网关）
type Mirror interface {
	Mirror(topic string, payload []byte) error
}

// DeviceTopic 设备遥测主题
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID + ":telemetry"
}

// TenantTopic 租户更新主题
func TenantTopic(tenantID string) string {
	return "tenant:" + tenantID + ":updates"
}

// ReplayKey 重放缓冲键
func ReplayKey(topic string) string {
	return "replay:" + topic
}

// Publisher 事件发布器
type Publisher struct {
	client     *redis.Client
	replaySize int64
	replayTTL  time.Duration
	mirror     Mirror
	mirrorRoot string
	logger     *zap.Logger
}

// NewPublisher 创建发布器；replaySize 默认 10，replayTTL 默认 5 分钟
func NewPublisher(client *redis.Client, replaySize int, replayTTL time.Duration, logger *zap.Logger) *Publisher {
	if replaySize <= 0 {
		replaySize = 10
	}
	if replayTTL <= 0 {
		replayTTL = 5 * time.Minute
	}
	return &Publisher{
		client:     client,
		replaySize: int64(replaySize),
		replayTTL:  replayTTL,
		logger:     logger,
	}
}

// WithMirror 设置 MQTT 镜像，主题为 {prefix}/{topic}（':' 替换为 '/'）
func (p *Publisher) WithMirror(m Mirror, prefix string) *Publisher {
	p.mirror = m
	p.mirrorRoot = strings.TrimSuffix(prefix, "/")
	return p
}

// MirrorTopic 镜像主题名
func (p *Publisher) MirrorTopic(topic string) string {
	t := strings.ReplaceAll(topic, ":", "/")
	if p.mirrorRoot == "" {
		return t
	}
	return p.mirrorRoot + "/" + t
}

// Publish 写入重放缓冲并发布；四条命令在同一事务中执行
func (p *Publisher) Publish(ctx context.Context, topic string, event models.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType, err)
	}

	key := ReplayKey(topic)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, -p.replaySize, -1)
		pipe.Expire(ctx, key, p.replayTTL)
		pipe.Publish(ctx, topic, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	if p.mirror != nil {
		if err := p.mirror.Mirror(p.MirrorTopic(topic), payload); err != nil {
			p.logger.Warn("Failed to mirror event",
				zap.String("topic", topic),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Replay 按发布顺序返回缓冲中的事件
func (p *Publisher) Replay(ctx context.Context, topic string) ([]models.Event, error) {
	raw, err := p.client.LRange(ctx, ReplayKey(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read replay buffer for %s: %w", topic, err)
	}

	events := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var e models.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			p.logger.Warn("Skipping malformed replay entry", zap.String("topic", topic), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
