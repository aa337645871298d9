package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchLatest_Success(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/1234/feeds/last.json", r.URL.Path)
		assert.Equal(t, "KEY", r.URL.Query().Get("api_key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created_at":"2024-05-01T10:00:00Z","entry_id":812,"field1":"23.5","field2":null,"field3":7}`))
	})

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	feed, err := c.FetchLatest(context.Background(), "1234", "KEY")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), feed.CreatedAt)
	assert.Equal(t, int64(812), feed.EntryID)
	assert.Equal(t, "23.5", feed.Fields["field1"])
	assert.Nil(t, feed.Fields["field2"])
	assert.Equal(t, json.Number("7"), feed.Fields["field3"])
	assert.NotContains(t, feed.Fields, "created_at")
}

func TestFetchLatest_EmptyFeed(t *testing.T) {
	for _, body := range []string{"-1", "{}", "null", ""} {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		c := NewClient(srv.URL, time.Second, zap.NewNop())
		_, err := c.FetchLatest(context.Background(), "1", "")
		assert.Equal(t, KindEmptyFeed, KindOf(err), "body %q", body)
	}
}

func TestFetchLatest_StatusMapping(t *testing.T) {
	cases := map[int]Kind{
		http.StatusNotFound:            KindNotFound,
		http.StatusBadRequest:          KindNotFound,
		http.StatusUnauthorized:        KindNotFound,
		http.StatusForbidden:           KindNotFound,
		http.StatusTooManyRequests:     KindRateLimited,
		http.StatusInternalServerError: KindTransientHTTP,
		http.StatusBadGateway:          KindTransientHTTP,
	}
	for code, want := range cases {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})
		c := NewClient(srv.URL, time.Second, zap.NewNop())
		_, err := c.FetchLatest(context.Background(), "1", "")
		require.Error(t, err)

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, want, fe.Kind, "status %d", code)
		assert.Equal(t, code, fe.StatusCode)
	}
}

func TestFetchLatest_Timeout(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	})
	c := NewClient(srv.URL, 50*time.Millisecond, zap.NewNop())
	_, err := c.FetchLatest(context.Background(), "1", "")
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestFetchLatest_CanceledIsNotAFailure(t *testing.T) {
	started := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})
	c := NewClient(srv.URL, 5*time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := c.FetchLatest(ctx, "1", "")
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, Deferred, KindOf(err).Class())
	assert.False(t, KindOf(err).CountsAsFailure())
	assert.False(t, IsBreakerFailure(err))
	assert.Equal(t, KindCanceled, KindOf(context.Canceled))
}

func TestFetchLatest_NoRetries(t *testing.T) {
	hits := 0
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := NewClient(srv.URL, time.Second, zap.NewNop())
	_, _ = c.FetchLatest(context.Background(), "1", "")
	assert.Equal(t, 1, hits)
}

func TestKindClassification(t *testing.T) {
	assert.Equal(t, Deferred, KindRateLimited.Class())
	assert.Equal(t, Permanent, KindNotFound.Class())
	for _, k := range []Kind{KindTimeout, KindTransientHTTP, KindEmptyFeed, KindCircuitOpen} {
		assert.Equal(t, Transient, k.Class(), string(k))
		assert.True(t, k.CountsAsFailure())
	}
	assert.False(t, KindRateLimited.CountsAsFailure())
	assert.False(t, KindNotFound.CountsAsFailure())

	assert.True(t, IsBreakerFailure(&FetchError{Kind: KindTimeout}))
	assert.True(t, IsBreakerFailure(&FetchError{Kind: KindTransientHTTP}))
	assert.False(t, IsBreakerFailure(&FetchError{Kind: KindNotFound}))
	assert.False(t, IsBreakerFailure(&FetchError{Kind: KindEmptyFeed}))
	assert.False(t, IsBreakerFailure(nil))
}
