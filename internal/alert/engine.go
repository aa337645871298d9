// Package alert 报警规则评估、冷却、去重与自动解除
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/cache"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// RuleStore 报警规则来源（只返回启用规则）
type RuleStore interface {
	ListByDevice(ctx context.Context, deviceID string) ([]models.AlertRule, error)
}

// RecordStore 报警记录存储；InsertUnresolved 由唯一索引保证每个 (device, rule) 至多一条未解决记录
type RecordStore interface {
	FindUnresolved(ctx context.Context, deviceID, ruleID string) (*models.AlertRecord, error)
	InsertUnresolved(ctx context.Context, rec *models.AlertRecord) (bool, error)
	Resolve(ctx context.Context, alertID string, at time.Time) (bool, error)
	LastTriggeredAt(ctx context.Context, deviceID, ruleID string) (*time.Time, error)
	CountUnresolved(ctx context.Context, deviceID string) (int, error)
	ListOrphaned(ctx context.Context) ([]models.AlertRecord, error)
	ListRecoveredOffline(ctx context.Context) ([]models.AlertRecord, error)
}

// MaintenanceChecker 维护窗口查询
type MaintenanceChecker interface {
	IsActive(ctx context.Context, deviceID string, at time.Time) (bool, error)
}

// Notifier 新报警的通知入队
type Notifier interface {
	Notify(ctx context.Context, rec *models.AlertRecord) error
}

// Config 引擎配置
type Config struct {
	// MinGuardTTL 冷却标记的最短存活时间（规则未配置冷却时也用于防止并发重复）
	MinGuardTTL  time.Duration
	RuleCacheTTL time.Duration
	Now          func() time.Time
}

// Outcome 一次评估的结果
type Outcome struct {
	Triggered   []models.AlertRecord
	Resolved    []models.AlertRecord
	ActiveCount int
	Suppressed  bool
}

// Engine 报警引擎
type Engine struct {
	rules       RuleStore
	records     RecordStore
	maintenance MaintenanceChecker
	notifier    Notifier
	cache       cache.Cache
	cfg         Config
	logger      *zap.Logger
}

// NewEngine 创建报警引擎
func NewEngine(rules RuleStore, records RecordStore, maintenance MaintenanceChecker, notifier Notifier, c cache.Cache, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MinGuardTTL <= 0 {
		cfg.MinGuardTTL = time.Minute
	}
	if cfg.RuleCacheTTL <= 0 {
		cfg.RuleCacheTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		rules:       rules,
		records:     records,
		maintenance: maintenance,
		notifier:    notifier,
		cache:       c,
		cfg:         cfg,
		logger:      logger,
	}
}

// CooldownKey 冷却标记键
func CooldownKey(deviceID, ruleID string) string {
	return fmt.Sprintf("alert:cooldown:%s:%s", deviceID, ruleID)
}

// RulesKey 规则缓存键
func RulesKey(deviceID string) string {
	return "rules:" + deviceID
}

// Evaluate 对一条读数评估设备的全部启用规则
// 维护中的设备不评估也不解除；读数中缺失的指标对应规则跳过
func (e *Engine) Evaluate(ctx context.Context, device *models.Device, status models.DeviceStatus, reading *models.NormalizedReading) (*Outcome, error) {
	now := e.cfg.Now()
	out := &Outcome{}

	inMaintenance, err := e.inMaintenance(ctx, device.ID, status, now)
	if err != nil {
		return nil, err
	}
	if inMaintenance {
		out.Suppressed = true
		return out, nil
	}

	rules, err := e.loadRules(ctx, device.ID)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		value, ok := reading.Numeric(rule.Metric)
		if !ok {
			continue
		}

		hit, err := Compare(rule.Operator, value, rule.Threshold)
		if err != nil {
			e.logger.Warn("Skipping rule with invalid operator",
				zap.String("device_id", device.ID),
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}

		if hit {
			v := value
			rec, err := e.trigger(ctx, device, rule.ID, rule.Metric, rule.Severity, rule.Cooldown(), &v, now)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				out.Triggered = append(out.Triggered, *rec)
			}
			continue
		}

		rec, err := e.resolve(ctx, device.ID, rule.ID, rule.Cooldown(), now)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out.Resolved = append(out.Resolved, *rec)
		}
	}

	out.ActiveCount, err = e.records.CountUnresolved(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) inMaintenance(ctx context.Context, deviceID string, status models.DeviceStatus, now time.Time) (bool, error) {
	if status == models.StatusMaintenance {
		return true, nil
	}
	if e.maintenance == nil {
		return false, nil
	}
	active, err := e.maintenance.IsActive(ctx, deviceID, now)
	if err != nil {
		return false, fmt.Errorf("failed to check maintenance for %s: %w", deviceID, err)
	}
	return active, nil
}

func (e *Engine) loadRules(ctx context.Context, deviceID string) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := cache.GetJSON(ctx, e.cache, RulesKey(deviceID), &rules)
	if err == nil {
		return rules, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("Rule cache unavailable, reading store",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	rules, err = e.rules.ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert rules for %s: %w", deviceID, err)
	}
	if rules == nil {
		rules = []models.AlertRule{}
	}
	if err := cache.SetJSON(ctx, e.cache, RulesKey(deviceID), rules, e.cfg.RuleCacheTTL); err != nil {
		e.logger.Warn("Failed to cache alert rules", zap.String("device_id", deviceID), zap.Error(err))
	}
	return rules, nil
}

// InvalidateRules 规则变更后清除缓存
func (e *Engine) InvalidateRules(ctx context.Context, deviceID string) error {
	return e.cache.Delete(ctx, RulesKey(deviceID))
}

// trigger 条件成立时创建报警；已有未解决记录、冷却中或并发竞争失败时返回 nil
func (e *Engine) trigger(ctx context.Context, device *models.Device, ruleID, metric string, severity models.Severity, cooldown time.Duration, value *float64, now time.Time) (*models.AlertRecord, error) {
	existing, err := e.records.FindUnresolved(ctx, device.ID, ruleID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	key := CooldownKey(device.ID, ruleID)
	ttl := cooldown
	if ttl < e.cfg.MinGuardTTL {
		ttl = e.cfg.MinGuardTTL
	}
	acquired, err := e.cache.SetNX(ctx, key, now.UTC().Format(time.RFC3339), ttl)
	if err != nil {
		// 缓存不可用时由数据库冷却检查与唯一索引兜底
		e.logger.Warn("Cooldown marker unavailable",
			zap.String("device_id", device.ID),
			zap.String("rule_id", ruleID),
			zap.Error(err),
		)
		acquired = true
	}
	if !acquired {
		return nil, nil
	}

	if cooldown > 0 {
		last, err := e.records.LastTriggeredAt(ctx, device.ID, ruleID)
		if err != nil {
			e.releaseMarker(ctx, key)
			return nil, err
		}
		if last != nil && now.Sub(*last) < cooldown {
			// 标记是在冷却期内重新获得的，只保留剩余冷却时间
			remaining := last.Add(cooldown).Sub(now)
			if err := e.cache.Set(ctx, key, last.UTC().Format(time.RFC3339), remaining); err != nil {
				e.releaseMarker(ctx, key)
			}
			return nil, nil
		}
	}

	rec := &models.AlertRecord{
		ID:             uuid.New().String(),
		TenantID:       device.TenantID,
		DeviceID:       device.ID,
		RuleID:         ruleID,
		Metric:         metric,
		Severity:       severity,
		TriggeredAt:    now,
		ValueAtTrigger: value,
	}
	inserted, err := e.records.InsertUnresolved(ctx, rec)
	if err != nil {
		e.releaseMarker(ctx, key)
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	e.logger.Info("Alert triggered",
		zap.String("device_id", device.ID),
		zap.String("rule_id", ruleID),
		zap.String("alert_id", rec.ID),
		zap.String("severity", string(severity)),
	)

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, rec); err != nil {
			e.logger.Error("Failed to enqueue alert notification",
				zap.String("alert_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	return rec, nil
}

// resolve 解除 (device, rule) 的未解决记录；只有实际完成更新的调用方返回记录
func (e *Engine) resolve(ctx context.Context, deviceID, ruleID string, cooldown time.Duration, now time.Time) (*models.AlertRecord, error) {
	existing, err := e.records.FindUnresolved(ctx, deviceID, ruleID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	ok, err := e.records.Resolve(ctx, existing.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// 无冷却的规则，守护标记只用于并发去重
	if cooldown == 0 {
		e.releaseMarker(ctx, CooldownKey(deviceID, ruleID))
	}

	e.logger.Info("Alert resolved",
		zap.String("device_id", deviceID),
		zap.String("rule_id", ruleID),
		zap.String("alert_id", existing.ID),
	)
	existing.ResolvedAt = &now
	return existing, nil
}

func (e *Engine) releaseMarker(ctx context.Context, key string) {
	if err := e.cache.Delete(ctx, key); err != nil {
		e.logger.Warn("Failed to release cooldown marker", zap.String("key", key), zap.Error(err))
	}
}

// RaiseOffline 设备转为离线时创建离线报警
func (e *Engine) RaiseOffline(ctx context.Context, device *models.Device) (*models.AlertRecord, error) {
	return e.trigger(ctx, device, models.OfflineRuleID, "", models.SeverityWarning, 0, nil, e.cfg.Now())
}

// ResolveOffline 设备恢复在线时解除离线报警
func (e *Engine) ResolveOffline(ctx context.Context, deviceID string) (*models.AlertRecord, error) {
	return e.resolve(ctx, deviceID, models.OfflineRuleID, 0, e.cfg.Now())
}

// SweepStale 解除失去依据的报警：规则已删除/停用，或设备已恢复在线的离线报警
func (e *Engine) SweepStale(ctx context.Context) ([]models.AlertRecord, error) {
	orphaned, err := e.records.ListOrphaned(ctx)
	if err != nil {
		return nil, err
	}
	recovered, err := e.records.ListRecoveredOffline(ctx)
	if err != nil {
		return nil, err
	}

	now := e.cfg.Now()
	var resolved []models.AlertRecord
	for _, rec := range append(orphaned, recovered...) {
		ok, err := e.records.Resolve(ctx, rec.ID, now)
		if err != nil {
			return resolved, err
		}
		if !ok {
			continue
		}
		e.releaseMarker(ctx, CooldownKey(rec.DeviceID, rec.RuleID))
		rec.ResolvedAt = &now
		resolved = append(resolved, rec)
	}

	if len(resolved) > 0 {
		e.logger.Info("Resolved stale alerts", zap.Int("count", len(resolved)))
	}
	return resolved, nil
}
