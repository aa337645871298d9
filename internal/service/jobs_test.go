package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

type MockDevices struct{ mock.Mock }

func (m *MockDevices) ListEnabled(ctx context.Context) ([]models.Device, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Device), args.Error(1)
}

type MockStates struct{ mock.Mock }

func (m *MockStates) ListAll(ctx context.Context) ([]models.OperationalState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.OperationalState), args.Error(1)
}

type syncRecorder struct {
	mu      sync.Mutex
	devices []models.Device
	states  map[string]models.OperationalState
	calls   int
}

func (s *syncRecorder) Sync(devices []models.Device, states map[string]models.OperationalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices, s.states = devices, states
	s.calls++
}

func (s *syncRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubSweeper struct {
	resolved []models.AlertRecord
	err      error
}

func (s stubSweeper) SweepStale(ctx context.Context) ([]models.AlertRecord, error) {
	return s.resolved, s.err
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (p *topicRecorder) Publish(ctx context.Context, topic string, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

var fleet = []models.Device{
	{ID: "tank-7", TenantID: "t-1", Class: models.ClassTank, Enabled: true},
	{ID: "pump-2", TenantID: "t-1", Class: models.ClassPump, Enabled: true},
}

func TestRefreshDevices(t *testing.T) {
	devices := new(MockDevices)
	devices.On("ListEnabled", mock.Anything).Return(fleet, nil)
	states := new(MockStates)
	states.On("ListAll", mock.Anything).Return([]models.OperationalState{
		{DeviceID: "pump-2", Status: models.StatusOffline, PollingPaused: true},
	}, nil)
	tasks := &syncRecorder{}
	h := NewHousekeeping(devices, states, tasks, stubSweeper{}, &topicRecorder{}, time.Minute, time.Minute, zap.NewNop())

	require.NoError(t, h.RefreshDevices(context.Background()))
	assert.Len(t, tasks.devices, 2)
	assert.True(t, tasks.states["pump-2"].PollingPaused)
	_, ok := tasks.states["tank-7"]
	assert.False(t, ok)
}

func TestRefreshDevices_ErrorKeepsTasks(t *testing.T) {
	devices := new(MockDevices)
	devices.On("ListEnabled", mock.Anything).Return(nil, errors.New("db down"))
	tasks := &syncRecorder{}
	h := NewHousekeeping(devices, new(MockStates), tasks, stubSweeper{}, &topicRecorder{}, time.Minute, time.Minute, zap.NewNop())

	assert.Error(t, h.RefreshDevices(context.Background()))
	assert.Equal(t, 0, tasks.count())
}

func TestSweepAlerts_PublishesResolved(t *testing.T) {
	now := time.Now()
	pub := &topicRecorder{}
	h := NewHousekeeping(new(MockDevices), new(MockStates), &syncRecorder{}, stubSweeper{resolved: []models.AlertRecord{
		{ID: "a-1", DeviceID: "tank-7", TenantID: "t-1", RuleID: "low", ResolvedAt: &now},
	}}, pub, time.Minute, time.Minute, zap.NewNop())

	require.NoError(t, h.SweepAlerts(context.Background()))
	assert.Equal(t, []string{"device:tank-7:telemetry", "tenant:t-1:updates"}, pub.topics)
}

func TestHousekeepingRun_StopsOnCancel(t *testing.T) {
	devices := new(MockDevices)
	devices.On("ListEnabled", mock.Anything).Return(fleet, nil)
	states := new(MockStates)
	states.On("ListAll", mock.Anything).Return([]models.OperationalState{}, nil)
	tasks := &syncRecorder{}
	h := NewHousekeeping(devices, states, tasks, stubSweeper{}, &topicRecorder{}, 50*time.Millisecond, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return tasks.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("housekeeping did not stop")
	}
}
