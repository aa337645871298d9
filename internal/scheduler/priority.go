package scheduler

import (
	"time"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// Policy 轮询间隔与优先级策略
type Policy struct {
	AlertInterval    time.Duration
	CriticalInterval time.Duration
	StandardInterval time.Duration
	BorewellInterval time.Duration
}

// DefaultPolicy 报警 30s，流量计/水泵 60s，水箱 5min，机井 15min
func DefaultPolicy() Policy {
	return Policy{
		AlertInterval:    30 * time.Second,
		CriticalInterval: 60 * time.Second,
		StandardInterval: 5 * time.Minute,
		BorewellInterval: 15 * time.Minute,
	}
}

// Interval 报警状态总是使用最短间隔；否则设备配置优先于类别默认值
func (p Policy) Interval(d models.Device, status models.DeviceStatus) time.Duration {
	if status == models.StatusAlert {
		return p.AlertInterval
	}
	if d.PollIntervalSeconds > 0 {
		return time.Duration(d.PollIntervalSeconds) * time.Second
	}
	switch d.Class {
	case models.ClassFlowMeter, models.ClassPump:
		return p.CriticalInterval
	case models.ClassBorewell:
		return p.BorewellInterval
	default:
		return p.StandardInterval
	}
}

// Priority 数值越小越优先
func (p Policy) Priority(d models.Device, status models.DeviceStatus) int {
	if status == models.StatusAlert {
		return 0
	}
	switch d.Class {
	case models.ClassFlowMeter, models.ClassPump:
		return 1
	case models.ClassBorewell:
		return 3
	default:
		return 2
	}
}
