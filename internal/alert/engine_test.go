package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditya08deole/MAIN-sub001/internal/cache"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// memRecords 内存版报警记录，模拟部分唯一索引
type memRecords struct {
	mu      sync.Mutex
	records []*models.AlertRecord
	online  map[string]bool
	rules   *memRules
}

func newMemRecords(rules *memRules) *memRecords {
	return &memRecords{online: make(map[string]bool), rules: rules}
}

func (m *memRecords) FindUnresolved(ctx context.Context, deviceID, ruleID string) (*models.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.DeviceID == deviceID && r.RuleID == ruleID && r.ResolvedAt == nil {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memRecords) InsertUnresolved(ctx context.Context, rec *models.AlertRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.DeviceID == rec.DeviceID && r.RuleID == rec.RuleID && r.ResolvedAt == nil {
			return false, nil
		}
	}
	c := *rec
	m.records = append(m.records, &c)
	return true, nil
}

func (m *memRecords) Resolve(ctx context.Context, alertID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == alertID && r.ResolvedAt == nil {
			t := at
			r.ResolvedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *memRecords) LastTriggeredAt(ctx context.Context, deviceID, ruleID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, r := range m.records {
		if r.DeviceID == deviceID && r.RuleID == ruleID && (last == nil || r.TriggeredAt.After(*last)) {
			t := r.TriggeredAt
			last = &t
		}
	}
	return last, nil
}

func (m *memRecords) CountUnresolved(ctx context.Context, deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.DeviceID == deviceID && r.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *memRecords) ListOrphaned(ctx context.Context) ([]models.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AlertRecord
	for _, r := range m.records {
		if r.ResolvedAt != nil || r.RuleID == models.OfflineRuleID {
			continue
		}
		if !m.rules.enabled(r.DeviceID, r.RuleID) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRecords) ListRecoveredOffline(ctx context.Context) ([]models.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AlertRecord
	for _, r := range m.records {
		if r.ResolvedAt == nil && r.RuleID == models.OfflineRuleID && m.online[r.DeviceID] {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRecords) unresolved(deviceID string) []models.AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AlertRecord
	for _, r := range m.records {
		if r.DeviceID == deviceID && r.ResolvedAt == nil {
			out = append(out, *r)
		}
	}
	return out
}

type memRules struct {
	mu    sync.Mutex
	rules []models.AlertRule
}

func (m *memRules) ListByDevice(ctx context.Context, deviceID string) ([]models.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AlertRule
	for _, r := range m.rules {
		if r.DeviceID == deviceID && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRules) enabled(deviceID, ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.DeviceID == deviceID && r.ID == ruleID {
			return r.Enabled
		}
	}
	return false
}

type stubMaintenance struct{ active bool }

func (s stubMaintenance) IsActive(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	return s.active, nil
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, rec *models.AlertRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type fixture struct {
	engine   *Engine
	records  *memRecords
	rules    *memRules
	cache    *cache.MemoryCache
	notifier *MockNotifier
	now      time.Time
}

var dev = &models.Device{ID: "tank-7", TenantID: "t-1"}

func lowLevelRule() models.AlertRule {
	return models.AlertRule{
		ID:              "low-level",
		DeviceID:        dev.ID,
		Metric:          "water_level_cm",
		Operator:        "<",
		Threshold:       20,
		Severity:        models.SeverityCritical,
		CooldownSeconds: 15 * 60,
		Enabled:         true,
	}
}

func newFixture(t *testing.T, maintenance bool, rules ...models.AlertRule) *fixture {
	f := &fixture{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.rules = &memRules{rules: rules}
	f.records = newMemRecords(f.rules)
	f.cache = cache.NewMemoryCache(clock)
	f.notifier = new(MockNotifier)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	f.engine = NewEngine(f.rules, f.records, stubMaintenance{active: maintenance}, f.notifier, f.cache,
		Config{MinGuardTTL: time.Minute, RuleCacheTTL: time.Minute, Now: clock}, zap.NewNop())
	return f
}

func level(v float64) *models.NormalizedReading {
	return &models.NormalizedReading{DeviceID: dev.ID, Values: map[string]any{"water_level_cm": v}}
}

func TestEvaluate_CooldownScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, lowLevelRule())

	// t=0 创建一条报警
	out, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	require.Len(t, out.Triggered, 1)
	assert.Equal(t, 1, out.ActiveCount)
	assert.Equal(t, 12.0, *out.Triggered[0].ValueAtTrigger)

	// t=5min 不重复
	f.now = f.now.Add(5 * time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusAlert, level(11))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)
	assert.Equal(t, 1, out.ActiveCount)

	// t=16min 冷却已过，但仍有未解决记录，不重复
	f.now = f.now.Add(11 * time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusAlert, level(10))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)
	assert.Len(t, f.records.unresolved(dev.ID), 1)

	// 条件解除
	f.now = f.now.Add(time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusAlert, level(35))
	require.NoError(t, err)
	require.Len(t, out.Resolved, 1)
	assert.NotNil(t, out.Resolved[0].ResolvedAt)
	assert.Equal(t, 0, out.ActiveCount)

	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestEvaluate_RetriggerWithinCooldownSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, lowLevelRule())

	_, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	out, err := f.engine.Evaluate(ctx, dev, models.StatusAlert, level(30))
	require.NoError(t, err)
	require.Len(t, out.Resolved, 1)

	f.now = f.now.Add(3 * time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)

	// 冷却结束后可再次触发
	f.now = f.now.Add(11 * time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	assert.Len(t, out.Triggered, 1)
}

func TestEvaluate_CooldownSurvivesLostCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, lowLevelRule())

	_, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.engine.Evaluate(ctx, dev, models.StatusAlert, level(30))
	require.NoError(t, err)

	// 冷却标记丢失，数据库中的触发时间仍然生效
	require.NoError(t, f.cache.Delete(ctx, CooldownKey(dev.ID, "low-level")))
	f.now = f.now.Add(time.Minute)
	out, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)

	// 重新获得的标记不能把冷却延长到 15 分钟以外
	f.now = f.now.Add(8 * time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)

	f.now = f.now.Add(6 * time.Minute)
	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(12))
	require.NoError(t, err)
	assert.Len(t, out.Triggered, 1)
	f.notifier.AssertNumberOfCalls(t, "Notify", 2)
}

func TestEvaluate_ConcurrentSingleUnresolvedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, lowLevelRule())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.records.unresolved(dev.ID), 1)
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

// 冷却标记完全失效（每次都获得）时，唯一索引仍保证只有一条未解决记录
type alwaysAcquire struct{ *cache.MemoryCache }

func (alwaysAcquire) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}

func TestEvaluate_StoreIsFinalArbiter(t *testing.T) {
	ctx := context.Background()
	rule := lowLevelRule()
	rule.CooldownSeconds = 0
	f := newFixture(t, false, rule)
	f.engine.cache = alwaysAcquire{f.cache}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.records.unresolved(dev.ID), 1)
}

func TestEvaluate_MaintenanceSuppresses(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, false, lowLevelRule())
	out, err := f.engine.Evaluate(ctx, dev, models.StatusMaintenance, level(1))
	require.NoError(t, err)
	assert.True(t, out.Suppressed)
	assert.Empty(t, f.records.unresolved(dev.ID))

	f = newFixture(t, true, lowLevelRule())
	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(1))
	require.NoError(t, err)
	assert.True(t, out.Suppressed)
	assert.Empty(t, f.records.unresolved(dev.ID))
}

func TestEvaluate_MissingMetricSkipsRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, lowLevelRule())

	_, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
	require.NoError(t, err)

	// 缺失指标既不触发也不解除
	reading := &models.NormalizedReading{DeviceID: dev.ID, Values: map[string]any{"flow_lpm": 3.0}}
	out, err := f.engine.Evaluate(ctx, dev, models.StatusAlert, reading)
	require.NoError(t, err)
	assert.Empty(t, out.Resolved)
	assert.Equal(t, 1, out.ActiveCount)
}

func TestEvaluate_RulesCachedUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	out, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)

	f.rules.mu.Lock()
	f.rules.rules = append(f.rules.rules, lowLevelRule())
	f.rules.mu.Unlock()

	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
	require.NoError(t, err)
	assert.Empty(t, out.Triggered)

	require.NoError(t, f.engine.InvalidateRules(ctx, dev.ID))
	out, err = f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
	require.NoError(t, err)
	assert.Len(t, out.Triggered, 1)
}

func TestOfflineAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	rec, err := f.engine.RaiseOffline(ctx, dev)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.OfflineRuleID, rec.RuleID)
	assert.Nil(t, rec.ValueAtTrigger)

	again, err := f.engine.RaiseOffline(ctx, dev)
	require.NoError(t, err)
	assert.Nil(t, again)

	resolved, err := f.engine.ResolveOffline(ctx, dev.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, rec.ID, resolved.ID)

	// 幂等
	resolved, err = f.engine.ResolveOffline(ctx, dev.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	// 没有冷却，新的离线周期可立即报警
	rec, err = f.engine.RaiseOffline(ctx, dev)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, lowLevelRule())

	_, err := f.engine.Evaluate(ctx, dev, models.StatusOnline, level(5))
	require.NoError(t, err)
	_, err = f.engine.RaiseOffline(ctx, &models.Device{ID: "pump-2", TenantID: "t-1"})
	require.NoError(t, err)

	// 规则停用，pump-2 恢复在线
	f.rules.mu.Lock()
	f.rules.rules[0].Enabled = false
	f.rules.mu.Unlock()
	f.records.mu.Lock()
	f.records.online["pump-2"] = true
	f.records.mu.Unlock()

	resolved, err := f.engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
	assert.Empty(t, f.records.unresolved(dev.ID))
	assert.Empty(t, f.records.unresolved("pump-2"))

	resolved, err = f.engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}
