package models

import "time"

// DeviceClass 设备类别（决定默认轮询间隔）
type DeviceClass string

const (
	ClassFlowMeter DeviceClass = "flow_meter"
	ClassPump      DeviceClass = "pump"
	ClassTank      DeviceClass = "tank"
	ClassBorewell  DeviceClass = "borewell"
)

// Device 设备（对应 devices 表，本服务只读）
type Device struct {
	ID                  string      `json:"device_id" db:"device_id"`
	TenantID            string      `json:"tenant_id" db:"tenant_id"`
	ChannelID           string      `json:"channel_id" db:"channel_id"`
	ReadAPIKey          string      `json:"-" db:"read_api_key"`
	Class               DeviceClass `json:"device_class" db:"device_class"`
	PollIntervalSeconds int         `json:"poll_interval_seconds" db:"poll_interval_seconds"`
	Enabled             bool        `json:"enabled" db:"enabled"`
}

// DeviceStatus 设备运行状态
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusAlert       DeviceStatus = "alert"
	StatusMaintenance DeviceStatus = "maintenance"
)

// OperationalState 设备运行状态（对应 device_operational_state 表，每设备一行）
// 只能通过版本号比较交换修改
type OperationalState struct {
	DeviceID            string       `json:"device_id" db:"device_id"`
	Status              DeviceStatus `json:"status" db:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	LastSeen            *time.Time   `json:"last_seen,omitempty" db:"last_seen"`
	LastSync            *time.Time   `json:"last_sync,omitempty" db:"last_sync"`
	PollingPaused       bool         `json:"polling_paused" db:"polling_paused"`
	LastError           string       `json:"last_error,omitempty" db:"last_error"`
	Version             int64        `json:"version" db:"version"`
}

// Clone 返回副本（时间指针也复制）
func (s *OperationalState) Clone() *OperationalState {
	c := *s
	if s.LastSeen != nil {
		t := *s.LastSeen
		c.LastSeen = &t
	}
	if s.LastSync != nil {
		t := *s.LastSync
		c.LastSync = &t
	}
	return &c
}

// MaintenanceWindow 维护窗口（对应 maintenance_windows 表）
type MaintenanceWindow struct {
	DeviceID string
	StartsAt time.Time
	EndsAt   time.Time
}
