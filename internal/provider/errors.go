package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind 拉取失败类型
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindTimeout       Kind = "timeout"
	KindNotFound      Kind = "not_found"
	KindTransientHTTP Kind = "transient_http"
	KindEmptyFeed     Kind = "empty_feed"
	KindCircuitOpen   Kind = "circuit_open"
	// KindCanceled 调用方取消（停机），不代表设备或提供方状态
	KindCanceled Kind = "canceled"
)

// Class 失败处理方式
type Class int

const (
	// Deferred 稍后重试，不计失败
	Deferred Class = iota
	// Transient 计入离线判定，下个周期重试
	Transient
	// Permanent 记录并暂停轮询
	Permanent
)

func (c Class) String() string {
	switch c {
	case Deferred:
		return "deferred"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Class 返回失败类型对应的处理方式
func (k Kind) Class() Class {
	switch k {
	case KindRateLimited, KindCanceled:
		return Deferred
	case KindNotFound:
		return Permanent
	default:
		return Transient
	}
}

// CountsAsFailure 是否计入设备连续失败次数
func (k Kind) CountsAsFailure() bool {
	return k.Class() == Transient
}

// FetchError 拉取错误
type FetchError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf 提取失败类型，非 FetchError 视为 transient_http
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransientHTTP
}

// IsBreakerFailure 只有超时与服务端错误计入熔断
// 404 或空 feed 说明提供方本身是健康的
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindTransientHTTP:
		return true
	}
	return false
}

func kindForStatus(code int) Kind {
	switch {
	case code == 429:
		return KindRateLimited
	case code == 404, code == 400, code == 401, code == 403:
		return KindNotFound
	default:
		return KindTransientHTTP
	}
}

func classifyTransportError(err error) *FetchError {
	if errors.Is(err, context.Canceled) {
		return &FetchError{Kind: KindCanceled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindTransientHTTP, Err: err}
}
