package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// funcPoller 以函数实现 Poller，并记录调用
type funcPoller struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, d models.Device, n int) Result
}

func (p *funcPoller) Poll(ctx context.Context, d models.Device) Result {
	p.mu.Lock()
	p.calls = append(p.calls, d.ID)
	n := 0
	for _, id := range p.calls {
		if id == d.ID {
			n++
		}
	}
	p.mu.Unlock()
	if p.fn == nil {
		return Result{Outcome: OutcomeOK}
	}
	return p.fn(ctx, d, n)
}

func (p *funcPoller) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == id {
			n++
		}
	}
	return n
}

func (p *funcPoller) order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func slowPolicy() Policy {
	return Policy{
		AlertInterval:    time.Hour,
		CriticalInterval: time.Hour,
		StandardInterval: time.Hour,
		BorewellInterval: time.Hour,
	}
}

func device(id string, class models.DeviceClass) models.Device {
	return models.Device{ID: id, TenantID: "t-1", ChannelID: id, Class: class, Enabled: true}
}

func start(t *testing.T, s *Scheduler) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestScheduler_SeedDispatchesByPriority(t *testing.T) {
	// 单个 worker：后到期的任务在前一个轮询结束前被延后，延后顺序保持优先级
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		time.Sleep(20 * time.Millisecond)
		return Result{Outcome: OutcomeOK}
	}}
	s := New(Config{Workers: 1, DeferDelay: 50 * time.Millisecond, MaxSleep: 5 * time.Millisecond, Policy: slowPolicy()}, p, zap.NewNop())
	s.Seed([]models.Device{
		device("tank-1", models.ClassTank),
		device("bore-1", models.ClassBorewell),
		device("pump-1", models.ClassPump),
	}, map[string]models.OperationalState{
		"tank-1": {DeviceID: "tank-1", Status: models.StatusAlert},
	})

	stop := start(t, s)
	defer stop()

	require.Eventually(t, func() bool { return len(p.order()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tank-1", "pump-1", "bore-1"}, p.order())
}

func TestScheduler_AtMostOneInFlightPerDevice(t *testing.T) {
	var current, maxSeen int32
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		c := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if c <= m || atomic.CompareAndSwapInt32(&maxSeen, m, c) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return Result{Outcome: OutcomeOK}
	}}

	policy := Policy{AlertInterval: 5 * time.Millisecond, CriticalInterval: 5 * time.Millisecond, StandardInterval: 5 * time.Millisecond, BorewellInterval: 5 * time.Millisecond}
	s := New(Config{Workers: 4, MaxSleep: 2 * time.Millisecond, Policy: policy}, p, zap.NewNop())
	s.Seed([]models.Device{device("pump-1", models.ClassPump)}, nil)

	stop := start(t, s)
	time.Sleep(200 * time.Millisecond)
	stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
	assert.GreaterOrEqual(t, p.count("pump-1"), 2)
}

func TestScheduler_PermanentPausesUntilResume(t *testing.T) {
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		if n == 1 {
			return Result{Outcome: OutcomePermanent}
		}
		return Result{Outcome: OutcomeOK}
	}}
	policy := Policy{AlertInterval: 10 * time.Millisecond, CriticalInterval: 10 * time.Millisecond, StandardInterval: 10 * time.Millisecond, BorewellInterval: 10 * time.Millisecond}
	s := New(Config{Workers: 2, MaxSleep: 5 * time.Millisecond, Policy: policy}, p, zap.NewNop())
	s.Seed([]models.Device{device("tank-1", models.ClassTank)}, nil)

	stop := start(t, s)
	defer stop()

	require.Eventually(t, func() bool { return p.count("tank-1") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		info, ok := s.Lookup(context.Background(), "tank-1")
		return ok && info.Paused
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.count("tank-1"))

	s.Resume("tank-1")
	require.Eventually(t, func() bool { return p.count("tank-1") >= 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_DeferredRetriesAfterDelay(t *testing.T) {
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		if n == 1 {
			return Result{Outcome: OutcomeDeferred}
		}
		return Result{Outcome: OutcomeOK}
	}}
	s := New(Config{Workers: 2, DeferDelay: 20 * time.Millisecond, MaxSleep: 5 * time.Millisecond, Policy: slowPolicy()}, p, zap.NewNop())
	s.Seed([]models.Device{device("bore-1", models.ClassBorewell)}, nil)

	stop := start(t, s)
	defer stop()

	require.Eventually(t, func() bool { return p.count("bore-1") == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_AlertStatusShortensInterval(t *testing.T) {
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		return Result{Outcome: OutcomeOK, Status: models.StatusAlert}
	}}
	policy := slowPolicy()
	policy.AlertInterval = 10 * time.Millisecond
	s := New(Config{Workers: 2, MaxSleep: 5 * time.Millisecond, Policy: policy}, p, zap.NewNop())
	s.Seed([]models.Device{device("tank-1", models.ClassTank)}, nil)

	stop := start(t, s)
	defer stop()

	require.Eventually(t, func() bool { return p.count("tank-1") >= 3 }, time.Second, 5*time.Millisecond)

	info, ok := s.Lookup(context.Background(), "tank-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusAlert, info.Status)
	assert.Equal(t, 10*time.Millisecond, info.Interval)
}

func TestScheduler_PanicCountsAsTransient(t *testing.T) {
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		if n == 1 {
			panic("boom")
		}
		return Result{Outcome: OutcomeOK}
	}}
	policy := slowPolicy()
	policy.StandardInterval = 10 * time.Millisecond
	s := New(Config{Workers: 1, MaxSleep: 5 * time.Millisecond, Policy: policy}, p, zap.NewNop())
	s.Seed([]models.Device{device("tank-1", models.ClassTank)}, nil)

	stop := start(t, s)
	defer stop()

	require.Eventually(t, func() bool { return p.count("tank-1") >= 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_ShutdownCancelsAfterGrace(t *testing.T) {
	cancelled := make(chan struct{})
	p := &funcPoller{fn: func(ctx context.Context, d models.Device, n int) Result {
		<-ctx.Done()
		close(cancelled)
		return Result{Outcome: OutcomeTransient}
	}}
	s := New(Config{Workers: 1, MaxSleep: 5 * time.Millisecond, ShutdownGrace: 30 * time.Millisecond, Policy: slowPolicy()}, p, zap.NewNop())
	s.Seed([]models.Device{device("tank-1", models.ClassTank)}, nil)

	stop := start(t, s)
	require.Eventually(t, func() bool { return p.count("tank-1") == 1 }, time.Second, 5*time.Millisecond)

	began := time.Now()
	stop()
	assert.GreaterOrEqual(t, time.Since(began), 30*time.Millisecond)

	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight poll was not cancelled")
	}
}

func TestScheduler_SyncAddsAndRemoves(t *testing.T) {
	p := &funcPoller{}
	s := New(Config{Workers: 2, MaxSleep: 5 * time.Millisecond, Policy: slowPolicy()}, p, zap.NewNop())
	s.Seed([]models.Device{device("a", models.ClassTank)}, nil)

	stop := start(t, s)
	defer stop()

	s.Sync([]models.Device{device("b", models.ClassPump)}, map[string]models.OperationalState{
		"b": {DeviceID: "b", Status: models.StatusOffline},
	})

	require.Eventually(t, func() bool { return p.count("b") == 1 }, time.Second, 5*time.Millisecond)
	_, ok := s.Lookup(context.Background(), "a")
	assert.False(t, ok)

	info, ok := s.Lookup(context.Background(), "b")
	require.True(t, ok)
	assert.Equal(t, models.StatusOffline, info.Status)

	// 停用设备被移除
	disabled := device("b", models.ClassPump)
	disabled.Enabled = false
	s.Upsert(disabled, models.StatusOnline)
	require.Eventually(t, func() bool {
		_, ok := s.Lookup(context.Background(), "b")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
