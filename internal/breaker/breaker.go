// Package breaker 三态熔断器（closed / open / half-open）
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen 熔断器打开，调用被拒绝（未执行 fn）
var ErrOpen = errors.New("circuit breaker is open")

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	FailureThreshold int           // closed -> open 的连续失败次数
	SuccessThreshold int           // half-open -> closed 的连续成功次数
	OpenTimeout      time.Duration // open -> half-open 的等待时长
	// IsFailure 判断错误是否计为失败，nil 时任何非 nil 错误都计为失败
	IsFailure func(error) bool
	Now       func() time.Time
}

// DefaultConfig 默认配置：5 次失败打开，60 秒后半开，2 次成功关闭
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker 熔断器
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	rejected     int64
}

// New 创建熔断器，非法配置项回退到默认值
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{name: name, config: cfg, logger: logger, state: StateClosed}
}

// Execute 通过熔断器执行 fn；打开时直接返回 ErrOpen
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

// ExecuteWithFallback 被拒绝时调用 fallback
func (b *Breaker) ExecuteWithFallback(fn func() error, fallback func(error) error) error {
	err := b.Execute(fn)
	if errors.Is(err, ErrOpen) && fallback != nil {
		return fallback(err)
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.config.Now().Sub(b.openedAt) >= b.config.OpenTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		b.rejected++
		return false
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.config.IsFailure(err) {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	case StateOpen:
		// 打开前已放行的调用，结果不影响状态
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.config.Now()
	b.transition(StateOpen)
}

// transition 调用方需持有锁
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failureCount = 0
	b.successCount = 0

	fields := []zap.Field{
		zap.String("circuit_breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		b.logger.Warn("Circuit breaker opened", fields...)
		return
	}
	b.logger.Info("Circuit breaker state changed", fields...)
}

// State 当前状态（open 超时后首次调用前仍报告 open）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics 监控指标
type Metrics struct {
	Name         string
	State        string
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
	Rejected     int64
}

// Metrics 返回当前指标快照
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
		Rejected:     b.rejected,
	}
}
