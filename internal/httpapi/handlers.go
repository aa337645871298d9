package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
	"github.com/aditya08deole/MAIN-sub001/internal/repository"
	"github.com/aditya08deole/MAIN-sub001/internal/scheduler"
)

// HealthCheck 单个依赖的探测
type HealthCheck func(ctx context.Context) error

// HealthHandler 健康检查
type HealthHandler struct {
	checks   map[string]HealthCheck
	optional map[string]HealthCheck
	breaker  func() string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, breakerState func() string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:   checks,
		optional: make(map[string]HealthCheck),
		breaker:  breakerState,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

// WithOptional 登记可选依赖：失败只体现在报告中，不影响整体状态
func (h *HealthHandler) WithOptional(name string, check HealthCheck) *HealthHandler {
	h.optional[name] = check
	return h
}

type healthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Breaker    string            `json:"breaker,omitempty"`
}

// Check 任一依赖失败返回 503
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := healthReport{Status: "ok", Components: make(map[string]string, len(h.checks)+len(h.optional))}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.String("component", name), zap.Error(err))
			report.Components[name] = err.Error()
			report.Status = "degraded"
			continue
		}
		report.Components[name] = "ok"
	}
	for name, check := range h.optional {
		if err := check(ctx); err != nil {
			report.Components[name] = err.Error()
			continue
		}
		report.Components[name] = "ok"
	}
	if h.breaker != nil {
		report.Breaker = h.breaker()
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondOK(w, status, report)
}

// Replayer 重放缓冲读取
type Replayer interface {
	Replay(ctx context.Context, topic string) ([]models.Event, error)
}

// ReplayHandler 重放接口
type ReplayHandler struct {
	replayer Replayer
	logger   *zap.Logger
}

func NewReplayHandler(replayer Replayer, logger *zap.Logger) *ReplayHandler {
	return &ReplayHandler{replayer: replayer, logger: logger}
}

// GetReplay 只允许 device:* 与 tenant:* 主题
func (h *ReplayHandler) GetReplay(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if !strings.HasPrefix(topic, "device:") && !strings.HasPrefix(topic, "tenant:") {
		respondError(w, http.StatusBadRequest, "topic must be device:{id}:telemetry or tenant:{id}:updates")
		return
	}

	events, err := h.replayer.Replay(r.Context(), topic)
	if err != nil {
		h.logger.Error("Failed to read replay buffer", zap.String("topic", topic), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read replay buffer")
		return
	}
	respondOK(w, http.StatusOK, events)
}

// StateReader 运行状态只读查询
type StateReader interface {
	Get(ctx context.Context, deviceID string) (*models.OperationalState, error)
}

// TaskLookup 调度任务查询
type TaskLookup interface {
	Lookup(ctx context.Context, deviceID string) (scheduler.TaskInfo, bool)
}

// Invalidator 管理失效钩子
type Invalidator interface {
	Invalidate(ctx context.Context, deviceID string) error
}

// DeviceHandler 设备管理接口
type DeviceHandler struct {
	states      StateReader
	tasks       TaskLookup
	invalidator Invalidator
	logger      *zap.Logger
}

func NewDeviceHandler(states StateReader, tasks TaskLookup, invalidator Invalidator, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{states: states, tasks: tasks, invalidator: invalidator, logger: logger}
}

type deviceStateView struct {
	State    *models.OperationalState `json:"state"`
	Schedule *scheduler.TaskInfo      `json:"schedule,omitempty"`
}

func (h *DeviceHandler) GetState(w http.ResponseWriter, r *http.Request, deviceID string) {
	st, err := h.states.Get(r.Context(), deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		respondError(w, http.StatusNotFound, "device state not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to read device state", zap.String("device_id", deviceID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read device state")
		return
	}

	view := deviceStateView{State: st}
	if info, ok := h.tasks.Lookup(r.Context(), deviceID); ok {
		view.Schedule = &info
	}
	respondOK(w, http.StatusOK, view)
}

func (h *DeviceHandler) Invalidate(w http.ResponseWriter, r *http.Request, deviceID string) {
	if err := h.invalidator.Invalidate(r.Context(), deviceID); err != nil {
		h.logger.Error("Failed to invalidate device", zap.String("device_id", deviceID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to invalidate device")
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"device_id": deviceID})
}
