// Package ratelimit 提供方调用配额（令牌桶）
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter 每分钟调用配额的令牌桶
// 容量等于每分钟配额，按 capacity/60 每秒连续补充，初始满桶
type Limiter struct {
	bucket   *rate.Limiter
	capacity int
	now      func() time.Time
}

// Option Limiter 选项
type Option func(*Limiter)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New 创建令牌桶，callsPerMinute 必须为正
func New(callsPerMinute int, opts ...Option) *Limiter {
	if callsPerMinute <= 0 {
		callsPerMinute = 1
	}
	l := &Limiter{
		capacity: callsPerMinute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.bucket = rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), callsPerMinute)
	// rate.Limiter 以首次调用时间为起点，首次调用前桶是满的
	return l
}

// Acquire 非阻塞地取一个令牌，false 表示稍后重试
func (l *Limiter) Acquire() bool {
	return l.bucket.AllowN(l.now(), 1)
}

// Capacity 桶容量
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Available 当前可用令牌数（向下取整）
func (l *Limiter) Available() int {
	return int(l.bucket.TokensAt(l.now()))
}
