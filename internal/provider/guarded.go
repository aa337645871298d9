package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/breaker"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// TokenSource 非阻塞令牌获取
type TokenSource interface {
	Acquire() bool
}

// GuardedClient 先限流、再熔断的提供方客户端
type GuardedClient struct {
	fetcher Fetcher
	limiter TokenSource
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// NewGuardedClient 创建受保护客户端，breaker 应以 IsBreakerFailure 作为失败判定
func NewGuardedClient(fetcher Fetcher, limiter TokenSource, cb *breaker.Breaker, logger *zap.Logger) *GuardedClient {
	return &GuardedClient{fetcher: fetcher, limiter: limiter, breaker: cb, logger: logger}
}

// FetchLatest 限流拒绝返回 rate_limited；熔断打开返回 circuit_open，均不发起网络请求
func (g *GuardedClient) FetchLatest(ctx context.Context, channelID, apiKey string) (*models.RawFeed, error) {
	if !g.limiter.Acquire() {
		return nil, &FetchError{Kind: KindRateLimited, Err: errors.New("local quota exhausted")}
	}

	var feed *models.RawFeed
	err := g.breaker.ExecuteWithFallback(func() error {
		var err error
		feed, err = g.fetcher.FetchLatest(ctx, channelID, apiKey)
		return err
	}, func(err error) error {
		return &FetchError{Kind: KindCircuitOpen, Err: err}
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

// BreakerState 熔断器当前状态
func (g *GuardedClient) BreakerState() breaker.State {
	return g.breaker.State()
}
