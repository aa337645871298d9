package models

import "time"

// OfflineRuleID 设备离线系统规则
const OfflineRuleID = "device_offline"

// Severity 报警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule 报警规则（对应 alert_rules 表，本服务只读）
type AlertRule struct {
	ID              string   `json:"rule_id" db:"rule_id"`
	DeviceID        string   `json:"device_id" db:"device_id"`
	Metric          string   `json:"metric" db:"metric"`
	Operator        string   `json:"operator" db:"operator"`
	Threshold       float64  `json:"threshold" db:"threshold"`
	Severity        Severity `json:"severity" db:"severity"`
	CooldownSeconds int      `json:"cooldown_seconds" db:"cooldown_seconds"`
	Enabled         bool     `json:"enabled" db:"enabled"`
}

// Cooldown 冷却时长
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// AlertRecord 报警记录（对应 alert_records 表）
// 每个 (device_id, rule_id) 最多一条未解决记录
type AlertRecord struct {
	ID             string     `json:"alert_id" db:"alert_id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	DeviceID       string     `json:"device_id" db:"device_id"`
	RuleID         string     `json:"rule_id" db:"rule_id"`
	Metric         string     `json:"metric,omitempty" db:"metric"`
	Severity       Severity   `json:"severity" db:"severity"`
	TriggeredAt    time.Time  `json:"triggered_at" db:"triggered_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ValueAtTrigger *float64   `json:"value_at_trigger,omitempty" db:"value_at_trigger"`
}

// Recipient 通知接收人（来自 alert_subscriptions）
type Recipient struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"` // email, sms, push
}

// NotificationStatus 通知投递状态
const NotificationPending = "pending"
