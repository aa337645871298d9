package models

import "time"

// EventType 广播事件类型
type EventType string

const (
	EventTelemetry      EventType = "telemetry"
	EventStatusChanged  EventType = "status_changed"
	EventAlertTriggered EventType = "alert_triggered"
	EventAlertResolved  EventType = "alert_resolved"
	EventDeviceWarning  EventType = "device_warning"
)

// Event 广播负载
type Event struct {
	EventType EventType `json:"event_type"`
	DeviceID  string    `json:"device_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChange status_changed 事件数据
type StatusChange struct {
	From DeviceStatus `json:"from"`
	To   DeviceStatus `json:"to"`
}

// DeviceWarning device_warning 事件数据
type DeviceWarning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
