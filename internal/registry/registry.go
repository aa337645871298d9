// Package registry 设备字段映射的三级缓存：进程内 map、共享缓存、数据库
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aditya08deole/MAIN-sub001/internal/cache"
	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// ErrNotConfigured 设备没有任何字段映射
var ErrNotConfigured = errors.New("device has no field mappings")

// MappingStore 字段映射的权威来源
type MappingStore interface {
	ListByDevice(ctx context.Context, deviceID string) ([]models.FieldMapping, error)
}

// Registry 字段映射注册表
type Registry struct {
	store  MappingStore
	shared cache.Cache
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	local map[string][]models.FieldMapping
	// gen 每次失效自增，失效前开始的加载不得回填
	gen   map[string]uint64
	group singleflight.Group
}

// New 创建注册表，ttl 为共享缓存过期时间（默认 1 小时）
func New(store MappingStore, shared cache.Cache, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		store:  store,
		shared: shared,
		ttl:    ttl,
		logger: logger,
		local:  make(map[string][]models.FieldMapping),
		gen:    make(map[string]uint64),
	}
}

// CacheKey 共享缓存键
func CacheKey(deviceID string) string {
	return "fieldmap:" + deviceID
}

type loadResult struct {
	mappings []models.FieldMapping
	gen      uint64
}

// Resolve 获取设备字段映射；没有配置时返回 ErrNotConfigured
func (r *Registry) Resolve(ctx context.Context, deviceID string) ([]models.FieldMapping, error) {
	r.mu.RLock()
	mappings, ok := r.local[deviceID]
	r.mu.RUnlock()
	if ok {
		return mappings, nil
	}

	v, err, _ := r.group.Do(deviceID, func() (any, error) {
		return r.load(ctx, deviceID)
	})
	if err != nil {
		return nil, err
	}

	res := v.(loadResult)
	if len(res.mappings) == 0 {
		return nil, ErrNotConfigured
	}

	r.mu.Lock()
	if r.gen[deviceID] == res.gen {
		r.local[deviceID] = res.mappings
	}
	r.mu.Unlock()

	return res.mappings, nil
}

func (r *Registry) currentGen(deviceID string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen[deviceID]
}

func (r *Registry) load(ctx context.Context, deviceID string) (loadResult, error) {
	gen := r.currentGen(deviceID)
	key := CacheKey(deviceID)

	var mappings []models.FieldMapping
	err := cache.GetJSON(ctx, r.shared, key, &mappings)
	if err == nil {
		return loadResult{mappings: mappings, gen: gen}, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		r.logger.Warn("Shared field mapping cache unavailable, reading store",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	mappings, err = r.store.ListByDevice(ctx, deviceID)
	if err != nil {
		return loadResult{}, fmt.Errorf("failed to load field mappings for %s: %w", deviceID, err)
	}

	if len(mappings) > 0 && r.currentGen(deviceID) == gen {
		if err := cache.SetJSON(ctx, r.shared, key, mappings, r.ttl); err != nil {
			r.logger.Warn("Failed to populate shared field mapping cache",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		// 写入期间发生失效：撤回刚写入的旧映射
		if r.currentGen(deviceID) != gen {
			r.retractShared(ctx, deviceID)
		}
	}
	return loadResult{mappings: mappings, gen: gen}, nil
}

func (r *Registry) retractShared(ctx context.Context, deviceID string) {
	if err := r.shared.Delete(ctx, CacheKey(deviceID)); err != nil {
		r.logger.Warn("Failed to retract stale shared field mappings",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// Invalidate 清除所有层级（共享缓存 + 本地）
func (r *Registry) Invalidate(ctx context.Context, deviceID string) error {
	r.InvalidateLocal(deviceID)
	if err := r.shared.Delete(ctx, CacheKey(deviceID)); err != nil {
		return fmt.Errorf("failed to invalidate shared field mappings for %s: %w", deviceID, err)
	}
	return nil
}

// InvalidateLocal 只清除本进程缓存（收到其他实例的失效通知时使用）
func (r *Registry) InvalidateLocal(deviceID string) {
	r.mu.Lock()
	r.gen[deviceID]++
	delete(r.local, deviceID)
	r.mu.Unlock()
	r.group.Forget(deviceID)
}
