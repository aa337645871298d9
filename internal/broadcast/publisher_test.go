package broadcast

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type recordingMirror struct {
	topics []string
	err    error
}

func (m *recordingMirror) Mirror(topic string, payload []byte) error {
	m.topics = append(m.topics, topic)
	return m.err
}

func telemetryEvent(seq int) models.Event {
	return models.Event{
		EventType: models.EventTelemetry,
		DeviceID:  "tank-7",
		Data:      map[string]any{"seq": seq},
		Timestamp: time.Date(2024, 5, 1, 10, 0, seq, 0, time.UTC),
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "device:tank-7:telemetry", DeviceTopic("tank-7"))
	assert.Equal(t, "tenant:t-1:updates", TenantTopic("t-1"))
}

func TestReplay_OrderAndBound(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	p := NewPublisher(client, 10, 5*time.Minute, zap.NewNop())
	topic := DeviceTopic("tank-7")

	for i := 0; i < 15; i++ {
		require.NoError(t, p.Publish(ctx, topic, telemetryEvent(i)))
	}

	events, err := p.Replay(ctx, topic)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		data := e.Data.(map[string]any)
		assert.Equal(t, float64(i+5), data["seq"])
	}

	ttl := mr.TTL(ReplayKey(topic))
	assert.Equal(t, 5*time.Minute, ttl)
}

func TestReplay_EmptyTopic(t *testing.T) {
	_, client := setupTestRedis(t)
	p := NewPublisher(client, 10, time.Minute, zap.NewNop())

	events, err := p.Replay(context.Background(), TenantTopic("nobody"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPublish_DeliversToSubscribers(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	p := NewPublisher(client, 10, time.Minute, zap.NewNop())
	topic := TenantTopic("t-1")

	sub := client.Subscribe(ctx, topic)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, topic, models.Event{
		EventType: models.EventStatusChanged,
		DeviceID:  "tank-7",
		Data:      models.StatusChange{From: models.StatusOnline, To: models.StatusOffline},
	}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, topic, msg.Channel)
		assert.Contains(t, msg.Payload, `"event_type":"status_changed"`)
		assert.Contains(t, msg.Payload, `"to":"offline"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPublish_MirrorFailureDoesNotFail(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	m := &recordingMirror{err: errors.New("broker down")}
	p := NewPublisher(client, 3, time.Minute, zap.NewNop()).WithMirror(m, "telemetry/")

	require.NoError(t, p.Publish(ctx, DeviceTopic("pump-2"), telemetryEvent(1)))
	assert.Equal(t, []string{"telemetry/device/pump-2/telemetry"}, m.topics)

	events, err := p.Replay(ctx, DeviceTopic("pump-2"))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPublish_RedisUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	p := NewPublisher(client, 3, time.Minute, zap.NewNop())
	mr.Close()

	err := p.Publish(context.Background(), DeviceTopic("pump-2"), telemetryEvent(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("failed to publish to %s", DeviceTopic("pump-2")))
}
