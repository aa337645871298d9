package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/broadcast"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// DeviceLister 启用设备列表
type DeviceLister interface {
	ListEnabled(ctx context.Context) ([]models.Device, error)
}

// StateLister 全部运行状态
type StateLister interface {
	ListAll(ctx context.Context) ([]models.OperationalState, error)
}

// TaskSyncer 调度任务对齐
type TaskSyncer interface {
	Sync(devices []models.Device, states map[string]models.OperationalState)
}

// StaleSweeper 过期报警清理
type StaleSweeper interface {
	SweepStale(ctx context.Context) ([]models.AlertRecord, error)
}

// EventPublisher 事件广播
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// Housekeeping 周期任务：设备刷新与过期报警清理
type Housekeeping struct {
	devices         DeviceLister
	states          StateLister
	tasks           TaskSyncer
	sweeper         StaleSweeper
	publisher       EventPublisher
	refreshInterval time.Duration
	sweepInterval   time.Duration
	logger          *zap.Logger
}

func NewHousekeeping(devices DeviceLister, states StateLister, tasks TaskSyncer, sweeper StaleSweeper, publisher EventPublisher, refreshInterval, sweepInterval time.Duration, logger *zap.Logger) *Housekeeping {
	return &Housekeeping{
		devices:         devices,
		states:          states,
		tasks:           tasks,
		sweeper:         sweeper,
		publisher:       publisher,
		refreshInterval: refreshInterval,
		sweepInterval:   sweepInterval,
		logger:          logger,
	}
}

// Snapshot 读取启用设备与其运行状态
func (h *Housekeeping) Snapshot(ctx context.Context) ([]models.Device, map[string]models.OperationalState, error) {
	devices, err := h.devices.ListEnabled(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := h.states.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	states := make(map[string]models.OperationalState, len(rows))
	for _, s := range rows {
		states[s.DeviceID] = s
	}
	return devices, states, nil
}

// RefreshDevices 同步设备增删与配置变更到调度器
func (h *Housekeeping) RefreshDevices(ctx context.Context) error {
	devices, states, err := h.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh devices: %w", err)
	}
	h.tasks.Sync(devices, states)
	h.logger.Debug("Device list refreshed", zap.Int("devices", len(devices)))
	return nil
}

// SweepAlerts 解除过期报警并广播
func (h *Housekeeping) SweepAlerts(ctx context.Context) error {
	resolved, err := h.sweeper.SweepStale(ctx)
	for i := range resolved {
		rec := &resolved[i]
		event := models.Event{
			EventType: models.EventAlertResolved,
			DeviceID:  rec.DeviceID,
			Data:      rec,
			Timestamp: time.Now().UTC(),
		}
		topics := []string{broadcast.DeviceTopic(rec.DeviceID)}
		if rec.TenantID != "" {
			topics = append(topics, broadcast.TenantTopic(rec.TenantID))
		}
		for _, topic := range topics {
			if perr := h.publisher.Publish(ctx, topic, event); perr != nil {
				h.logger.Warn("Failed to publish swept alert",
					zap.String("alert_id", rec.ID),
					zap.String("topic", topic),
					zap.Error(perr),
				)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to sweep stale alerts: %w", err)
	}
	return nil
}

// Run 启动 gocron 调度直到 ctx 取消
func (h *Housekeeping) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create job scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"device-refresh", h.refreshInterval, h.RefreshDevices},
		{"alert-sweep", h.sweepInterval, h.SweepAlerts},
	}
	for _, j := range jobs {
		j := j
		_, err := s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() {
				if err := j.fn(ctx); err != nil {
					h.logger.Error("Housekeeping job failed", zap.String("job", j.name), zap.Error(err))
				}
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}

	s.Start()
	h.logger.Info("Housekeeping jobs started",
		zap.Duration("device_refresh", h.refreshInterval),
		zap.Duration("alert_sweep", h.sweepInterval),
	)

	<-ctx.Done()
	return s.Shutdown()
}
