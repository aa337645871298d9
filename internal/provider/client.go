// Package provider 遥测提供方（ThingSpeak 风格 channel feed）客户端
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// Fetcher 拉取 channel 最新一条 feed
type Fetcher interface {
	FetchLatest(ctx context.Context, channelID, apiKey string) (*models.RawFeed, error)
}

// Client 提供方 HTTP 客户端（不自动重试）
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建提供方客户端，timeout<=0 时使用 5 秒
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{httpClient: httpClient, logger: logger}
}

// FetchLatest GET /channels/{id}/feeds/last.json
func (c *Client) FetchLatest(ctx context.Context, channelID, apiKey string) (*models.RawFeed, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("channel", channelID)
	if apiKey != "" {
		req.SetQueryParam("api_key", apiKey)
	}

	resp, err := req.Get("/channels/{channel}/feeds/last.json")
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return nil, &FetchError{
			Kind:       kindForStatus(code),
			StatusCode: code,
			Err:        fmt.Errorf("channel %s", channelID),
		}
	}

	feed, err := parseFeed(resp.Body())
	if err != nil {
		c.logger.Debug("Provider returned unusable feed",
			zap.String("channel_id", channelID),
			zap.Error(err),
		)
		return nil, err
	}
	return feed, nil
}

var errEmptyFeed = errors.New("channel has no entries")

// feedEnvelope ThingSpeak last.json
type feedEnvelope struct {
	CreatedAt string      `json:"created_at"`
	EntryID   json.Number `json:"entry_id"`
}

func parseFeed(body []byte) (*models.RawFeed, error) {
	trimmed := bytes.TrimSpace(body)
	// 空 channel 返回 -1
	if len(trimmed) == 0 || string(trimmed) == "-1" || string(trimmed) == "null" {
		return nil, &FetchError{Kind: KindEmptyFeed, Err: errEmptyFeed}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &FetchError{Kind: KindTransientHTTP, Err: fmt.Errorf("failed to decode feed: %w", err)}
	}

	var env feedEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &FetchError{Kind: KindTransientHTTP, Err: fmt.Errorf("failed to decode feed: %w", err)}
	}
	if env.CreatedAt == "" {
		return nil, &FetchError{Kind: KindEmptyFeed, Err: errEmptyFeed}
	}

	createdAt, err := time.Parse(time.RFC3339, env.CreatedAt)
	if err != nil {
		return nil, &FetchError{Kind: KindTransientHTTP, Err: fmt.Errorf("invalid created_at %q: %w", env.CreatedAt, err)}
	}

	feed := &models.RawFeed{
		CreatedAt: createdAt.UTC(),
		Fields:    make(map[string]any, len(raw)),
	}
	if env.EntryID != "" {
		if id, err := strconv.ParseInt(env.EntryID.String(), 10, 64); err == nil {
			feed.EntryID = id
		}
	}
	for k, v := range raw {
		if k == "created_at" || k == "entry_id" {
			continue
		}
		feed.Fields[k] = v
	}
	return feed, nil
}
