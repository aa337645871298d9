// Package state 设备运行状态跟踪（乐观并发）
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
	"github.com/aditya08deole/MAIN-sub001/internal/repository"
)

// ErrConflict 重试次数用尽仍无法写入
var ErrConflict = errors.New("device state update conflict")

// Store 运行状态存储
type Store interface {
	Get(ctx context.Context, deviceID string) (*models.OperationalState, error)
	CreateIfAbsent(ctx context.Context, s *models.OperationalState) error
	CompareAndSwap(ctx context.Context, next *models.OperationalState, expectedVersion int64) (bool, error)
}

// Transition 一次状态更新的结果
type Transition struct {
	From    models.DeviceStatus
	To      models.DeviceStatus
	Changed bool // 是否写入
	Stale   bool // 结果早于已记录的同步时间，被丢弃
	State   *models.OperationalState
}

// StatusChanged 状态是否发生变化
func (t Transition) StatusChanged() bool {
	return t.Changed && t.From != t.To
}

// Tracker 设备状态跟踪器
type Tracker struct {
	store            Store
	offlineThreshold int
	maxRetries       int
	logger           *zap.Logger
}

// NewTracker 创建跟踪器；offlineThreshold 默认 3，maxRetries 默认 5
func NewTracker(store Store, offlineThreshold, maxRetries int, logger *zap.Logger) *Tracker {
	if offlineThreshold <= 0 {
		offlineThreshold = 3
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Tracker{
		store:            store,
		offlineThreshold: offlineThreshold,
		maxRetries:       maxRetries,
		logger:           logger,
	}
}

// mutateFunc 根据当前状态修改 next；返回 false 表示无需写入
type mutateFunc func(next *models.OperationalState) bool

// Get 读取状态，不存在时创建初始行（online）
func (t *Tracker) Get(ctx context.Context, deviceID string) (*models.OperationalState, error) {
	s, err := t.store.Get(ctx, deviceID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	initial := &models.OperationalState{DeviceID: deviceID, Status: models.StatusOnline}
	if err := t.store.CreateIfAbsent(ctx, initial); err != nil {
		return nil, err
	}
	return t.store.Get(ctx, deviceID)
}

// mutate 读取-修改-比较交换，冲突时重读重试
// startedAt 非零时，早于 last_sync 的结果视为过期
func (t *Tracker) mutate(ctx context.Context, deviceID string, startedAt time.Time, fn mutateFunc) (Transition, error) {
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		current, err := t.Get(ctx, deviceID)
		if err != nil {
			return Transition{}, fmt.Errorf("failed to read state for %s: %w", deviceID, err)
		}

		if !startedAt.IsZero() && current.LastSync != nil && startedAt.Before(*current.LastSync) {
			return Transition{From: current.Status, To: current.Status, Stale: true, State: current}, nil
		}

		next := current.Clone()
		if !fn(next) {
			return Transition{From: current.Status, To: current.Status, State: current}, nil
		}

		ok, err := t.store.CompareAndSwap(ctx, next, current.Version)
		if err != nil {
			return Transition{}, err
		}
		if ok {
			next.Version = current.Version + 1
			if next.Status != current.Status {
				t.logger.Info("Device status changed",
					zap.String("device_id", deviceID),
					zap.String("from", string(current.Status)),
					zap.String("to", string(next.Status)),
				)
			}
			return Transition{From: current.Status, To: next.Status, Changed: true, State: next}, nil
		}

		t.logger.Debug("Device state version conflict, retrying",
			zap.String("device_id", deviceID),
			zap.Int("attempt", attempt+1),
		)
	}
	return Transition{}, fmt.Errorf("device %s: %w", deviceID, ErrConflict)
}

// RecordSuccess 成功轮询：清零失败计数，离线设备恢复在线
func (t *Tracker) RecordSuccess(ctx context.Context, deviceID string, startedAt, seenAt time.Time) (Transition, error) {
	return t.mutate(ctx, deviceID, startedAt, func(s *models.OperationalState) bool {
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.LastSeen = &seenAt
		syncedAt := startedAt
		s.LastSync = &syncedAt
		if s.Status == models.StatusOffline {
			s.Status = models.StatusOnline
		}
		return true
	})
}

// RecordFailure 失败轮询：连续失败达到阈值时在线/报警设备转为离线
func (t *Tracker) RecordFailure(ctx context.Context, deviceID string, startedAt time.Time, reason string) (Transition, error) {
	return t.mutate(ctx, deviceID, startedAt, func(s *models.OperationalState) bool {
		s.ConsecutiveFailures++
		s.LastError = reason
		syncedAt := startedAt
		s.LastSync = &syncedAt
		if s.ConsecutiveFailures >= t.offlineThreshold &&
			(s.Status == models.StatusOnline || s.Status == models.StatusAlert) {
			s.Status = models.StatusOffline
		}
		return true
	})
}

// MarkPermanent 永久失败：暂停轮询并记录原因，状态不变
func (t *Tracker) MarkPermanent(ctx context.Context, deviceID string, startedAt time.Time, reason string) (Transition, error) {
	return t.mutate(ctx, deviceID, startedAt, func(s *models.OperationalState) bool {
		if s.PollingPaused && s.LastError == reason {
			return false
		}
		s.PollingPaused = true
		s.LastError = reason
		syncedAt := startedAt
		s.LastSync = &syncedAt
		return true
	})
}

// Resume 清除暂停标记
func (t *Tracker) Resume(ctx context.Context, deviceID string) (Transition, error) {
	return t.mutate(ctx, deviceID, time.Time{}, func(s *models.OperationalState) bool {
		if !s.PollingPaused {
			return false
		}
		s.PollingPaused = false
		s.LastError = ""
		return true
	})
}

// SetAlertActive online <-> alert；离线与维护状态不变
func (t *Tracker) SetAlertActive(ctx context.Context, deviceID string, active bool) (Transition, error) {
	return t.mutate(ctx, deviceID, time.Time{}, func(s *models.OperationalState) bool {
		switch {
		case active && s.Status == models.StatusOnline:
			s.Status = models.StatusAlert
			return true
		case !active && s.Status == models.StatusAlert:
			s.Status = models.StatusOnline
			return true
		}
		return false
	})
}
