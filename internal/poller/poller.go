// Package poller 单个设备的一次完整轮询：拉取、规范化、状态、报警、广播
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/alert"
	"github.com/aditya08deole/MAIN-sub001/internal/broadcast"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
	"github.com/aditya08deole/MAIN-sub001/internal/normalizer"
	"github.com/aditya08deole/MAIN-sub001/internal/provider"
	"github.com/aditya08deole/MAIN-sub001/internal/registry"
	"github.com/aditya08deole/MAIN-sub001/internal/scheduler"
	"github.com/aditya08deole/MAIN-sub001/internal/state"
)

// MappingResolver 字段映射查询
type MappingResolver interface {
	Resolve(ctx context.Context, deviceID string) ([]models.FieldMapping, error)
}

// StateTracker 设备状态更新
type StateTracker interface {
	RecordSuccess(ctx context.Context, deviceID string, startedAt, seenAt time.Time) (state.Transition, error)
	RecordFailure(ctx context.Context, deviceID string, startedAt time.Time, reason string) (state.Transition, error)
	MarkPermanent(ctx context.Context, deviceID string, startedAt time.Time, reason string) (state.Transition, error)
	SetAlertActive(ctx context.Context, deviceID string, active bool) (state.Transition, error)
}

// ReadingStore 读数持久化；重复 entry 返回 0
type ReadingStore interface {
	Insert(ctx context.Context, reading *models.NormalizedReading) (int64, error)
}

// AlertEvaluator 报警引擎
type AlertEvaluator interface {
	Evaluate(ctx context.Context, device *models.Device, status models.DeviceStatus, reading *models.NormalizedReading) (*alert.Outcome, error)
	RaiseOffline(ctx context.Context, device *models.Device) (*models.AlertRecord, error)
	ResolveOffline(ctx context.Context, deviceID string) (*models.AlertRecord, error)
}

// EventPublisher 事件广播
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// Poller 实现 scheduler.Poller
type Poller struct {
	fetcher    provider.Fetcher
	registry   MappingResolver
	normalizer *normalizer.Normalizer
	tracker    StateTracker
	readings   ReadingStore
	alerts     AlertEvaluator
	publisher  EventPublisher
	now        func() time.Time
	logger     *zap.Logger
}

// New 创建轮询器
func New(
	fetcher provider.Fetcher,
	registry MappingResolver,
	norm *normalizer.Normalizer,
	tracker StateTracker,
	readings ReadingStore,
	alerts AlertEvaluator,
	publisher EventPublisher,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		fetcher:    fetcher,
		registry:   registry,
		normalizer: norm,
		tracker:    tracker,
		readings:   readings,
		alerts:     alerts,
		publisher:  publisher,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock 替换时钟（测试用）
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Poll 执行一次轮询，错误都在内部处理并体现在 Result 中
func (p *Poller) Poll(ctx context.Context, device models.Device) scheduler.Result {
	startedAt := p.now()
	result := scheduler.Result{DeviceID: device.ID, Outcome: scheduler.OutcomeOK}

	raw, err := p.fetcher.FetchLatest(ctx, device.ChannelID, device.ReadAPIKey)
	if err != nil {
		return p.handleFetchError(ctx, &device, startedAt, err)
	}

	mappings, err := p.registry.Resolve(ctx, device.ID)
	if err != nil && !errors.Is(err, registry.ErrNotConfigured) {
		p.logger.Error("Failed to resolve field mappings",
			zap.String("device_id", device.ID),
			zap.Error(err),
		)
	}

	var reading *models.NormalizedReading
	if len(mappings) > 0 {
		reading = p.normalizer.Normalize(&device, raw, mappings)
	}

	tn, err := p.tracker.RecordSuccess(ctx, device.ID, startedAt, p.now())
	if err != nil {
		p.logger.Error("Failed to record poll success",
			zap.String("device_id", device.ID),
			zap.Error(err),
		)
		return result
	}
	if tn.Stale {
		p.logger.Debug("Dropping stale poll result", zap.String("device_id", device.ID))
		return result
	}
	result.Status = tn.To

	if tn.StatusChanged() {
		p.publishStatus(ctx, &device, tn)
		if tn.From == models.StatusOffline {
			rec, err := p.alerts.ResolveOffline(ctx, device.ID)
			if err != nil {
				p.logger.Error("Failed to resolve offline alert", zap.String("device_id", device.ID), zap.Error(err))
			} else if rec != nil {
				p.publishAlert(ctx, &device, models.EventAlertResolved, rec)
			}
		}
	}

	if reading == nil {
		p.logger.Debug("Poll returned no usable data", zap.String("device_id", device.ID))
		return result
	}

	fresh := true
	id, err := p.readings.Insert(ctx, reading)
	if err != nil {
		p.logger.Error("Failed to persist reading",
			zap.String("device_id", device.ID),
			zap.Int64("entry_id", reading.EntryID),
			zap.Error(err),
		)
	} else if id == 0 {
		fresh = false
	}

	outcome, err := p.alerts.Evaluate(ctx, &device, tn.To, reading)
	if err != nil {
		p.logger.Error("Failed to evaluate alert rules", zap.String("device_id", device.ID), zap.Error(err))
	} else if !outcome.Suppressed {
		at, err := p.tracker.SetAlertActive(ctx, device.ID, outcome.ActiveCount > 0)
		if err != nil {
			p.logger.Error("Failed to update alert status", zap.String("device_id", device.ID), zap.Error(err))
		} else {
			result.Status = at.To
			if at.StatusChanged() {
				p.publishStatus(ctx, &device, at)
			}
		}
	}

	if fresh {
		p.emit(ctx, &device, models.Event{
			EventType: models.EventTelemetry,
			DeviceID:  device.ID,
			Data:      reading,
			Timestamp: reading.Timestamp,
		}, false)
	}

	if outcome != nil {
		for i := range outcome.Triggered {
			p.publishAlert(ctx, &device, models.EventAlertTriggered, &outcome.Triggered[i])
		}
		for i := range outcome.Resolved {
			p.publishAlert(ctx, &device, models.EventAlertResolved, &outcome.Resolved[i])
		}
	}
	return result
}

func (p *Poller) handleFetchError(ctx context.Context, device *models.Device, startedAt time.Time, err error) scheduler.Result {
	kind := provider.KindOf(err)
	reason := err.Error()
	p.logger.Warn("Device poll failed",
		zap.String("device_id", device.ID),
		zap.String("failure_kind", string(kind)),
		zap.Time("timestamp", startedAt),
		zap.Error(err),
	)

	result := scheduler.Result{DeviceID: device.ID}
	switch kind.Class() {
	case provider.Deferred:
		result.Outcome = scheduler.OutcomeDeferred
		return result

	case provider.Permanent:
		result.Outcome = scheduler.OutcomePermanent
		tn, err := p.tracker.MarkPermanent(ctx, device.ID, startedAt, reason)
		if err != nil {
			p.logger.Error("Failed to pause device", zap.String("device_id", device.ID), zap.Error(err))
			return result
		}
		if tn.Changed {
			p.emit(ctx, device, models.Event{
				EventType: models.EventDeviceWarning,
				DeviceID:  device.ID,
				Data:      models.DeviceWarning{Kind: string(kind), Message: reason},
				Timestamp: startedAt,
			}, true)
		}
		return result
	}

	result.Outcome = scheduler.OutcomeTransient
	tn, err := p.tracker.RecordFailure(ctx, device.ID, startedAt, reason)
	if err != nil {
		p.logger.Error("Failed to record poll failure", zap.String("device_id", device.ID), zap.Error(err))
		return result
	}
	if tn.Stale {
		return result
	}
	result.Status = tn.To

	if tn.StatusChanged() && tn.To == models.StatusOffline {
		p.publishStatus(ctx, device, tn)
		rec, err := p.alerts.RaiseOffline(ctx, device)
		if err != nil {
			p.logger.Error("Failed to raise offline alert", zap.String("device_id", device.ID), zap.Error(err))
		} else if rec != nil {
			p.publishAlert(ctx, device, models.EventAlertTriggered, rec)
		}
	}
	return result
}

func (p *Poller) publishStatus(ctx context.Context, device *models.Device, tn state.Transition) {
	p.emit(ctx, device, models.Event{
		EventType: models.EventStatusChanged,
		DeviceID:  device.ID,
		Data:      models.StatusChange{From: tn.From, To: tn.To},
		Timestamp: p.now().UTC(),
	}, true)
}

func (p *Poller) publishAlert(ctx context.Context, device *models.Device, eventType models.EventType, rec *models.AlertRecord) {
	p.emit(ctx, device, models.Event{
		EventType: eventType,
		DeviceID:  device.ID,
		Data:      rec,
		Timestamp: p.now().UTC(),
	}, true)
}

// emit 发布到设备主题，tenant 为 true 时同时发布到租户主题；失败只记录日志
func (p *Poller) emit(ctx context.Context, device *models.Device, event models.Event, tenant bool) {
	topics := []string{broadcast.DeviceTopic(device.ID)}
	if tenant && device.TenantID != "" {
		topics = append(topics, broadcast.TenantTopic(device.TenantID))
	}
	for _, topic := range topics {
		if err := p.publisher.Publish(ctx, topic, event); err != nil {
			p.logger.Warn("Failed to publish event",
				zap.String("device_id", device.ID),
				zap.String("topic", topic),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err),
			)
		}
	}
}
