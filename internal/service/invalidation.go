package service

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/state"
)

// MappingInvalidator 字段映射缓存失效
type MappingInvalidator interface {
	Invalidate(ctx context.Context, deviceID string) error
	InvalidateLocal(deviceID string)
}

// RuleInvalidator 规则缓存失效
type RuleInvalidator interface {
	InvalidateRules(ctx context.Context, deviceID string) error
}

// PauseClearer 清除持久化的暂停标记
type PauseClearer interface {
	Resume(ctx context.Context, deviceID string) (state.Transition, error)
}

// TaskResumer 恢复本实例的调度任务
type TaskResumer interface {
	Resume(deviceID string)
}

// Invalidator 管理失效：配置变更或设备恢复后调用
type Invalidator struct {
	mappings MappingInvalidator
	rules    RuleInvalidator
	pauses   PauseClearer
	tasks    TaskResumer
	client   *redis.Client
	channel  string
	logger   *zap.Logger
}

// NewInvalidator 创建失效处理器；client 为 nil 时不广播到其他实例
func NewInvalidator(mappings MappingInvalidator, rules RuleInvalidator, pauses PauseClearer, tasks TaskResumer, client *redis.Client, channel string, logger *zap.Logger) *Invalidator {
	return &Invalidator{
		mappings: mappings,
		rules:    rules,
		pauses:   pauses,
		tasks:    tasks,
		client:   client,
		channel:  channel,
		logger:   logger,
	}
}

// Invalidate 清除共享与本地缓存、恢复轮询，并通知其他实例
func (i *Invalidator) Invalidate(ctx context.Context, deviceID string) error {
	if err := i.mappings.Invalidate(ctx, deviceID); err != nil {
		return err
	}
	if err := i.rules.InvalidateRules(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to invalidate rules for %s: %w", deviceID, err)
	}
	if _, err := i.pauses.Resume(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to clear pause for %s: %w", deviceID, err)
	}
	i.tasks.Resume(deviceID)

	if i.client != nil {
		if err := i.client.Publish(ctx, i.channel, deviceID).Err(); err != nil {
			return fmt.Errorf("failed to broadcast invalidation for %s: %w", deviceID, err)
		}
	}

	i.logger.Info("Device invalidated", zap.String("device_id", deviceID))
	return nil
}

// applyLocal 其他实例发来的失效只处理本进程状态，不再广播
func (i *Invalidator) applyLocal(deviceID string) {
	i.mappings.InvalidateLocal(deviceID)
	i.tasks.Resume(deviceID)
}

// Listen 订阅失效频道直到 ctx 取消
func (i *Invalidator) Listen(ctx context.Context) error {
	sub := i.client.Subscribe(ctx, i.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", i.channel, err)
	}
	i.logger.Info("Listening for invalidations", zap.String("channel", i.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == "" {
				continue
			}
			i.logger.Debug("Invalidation received", zap.String("device_id", msg.Payload))
			i.applyLocal(msg.Payload)
		}
	}
}
