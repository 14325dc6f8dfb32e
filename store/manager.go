package store

import (
	"context"
	"time"

	"github.com/saiset-co/sai-swr/types"
)

var customStoreCreators = make(map[string]types.StoreCreator)

// RegisterStore makes a custom backend available to NewCacheStore under the
// given type name.
func RegisterStore(storeType string, creator types.StoreCreator) {
	customStoreCreators[storeType] = creator
}

func NewCacheStore(ctx context.Context, logger types.Logger, config *types.StoreConfig, metrics types.MetricsManager) (types.CacheStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var impl types.CacheStore
	var err error

	switch config.Type {
	case "", "memory":
		impl, err = NewMemoryStore(ctx, logger, config)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, config)
	case "clover":
		impl, err = NewCloverStore(ctx, logger, config)
	default:
		if creator, exists := customStoreCreators[config.Type]; exists {
			impl, err = creator(config.Config)
		} else {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedStore(metrics, impl), nil
}

type instrumentedStore struct {
	impl    types.CacheStore
	metrics types.MetricsManager
}

func newInstrumentedStore(metrics types.MetricsManager, impl types.CacheStore) types.CacheStore {
	return &instrumentedStore{
		impl:    impl,
		metrics: metrics,
	}
}

func (is *instrumentedStore) Get(key string) (*types.CacheEntry, bool) {
	start := time.Now()
	entry, found := is.impl.Get(key)
	duration := time.Since(start)

	result := "miss"
	if found {
		result = "hit"
	}

	is.recordMetric("get", result, duration)
	return entry, found
}

func (is *instrumentedStore) Set(key string, entry *types.CacheEntry, ttl time.Duration) error {
	start := time.Now()
	err := is.impl.Set(key, entry, ttl)
	duration := time.Since(start)

	is.recordMetric("set", resultLabel(err), duration)
	return err
}

func (is *instrumentedStore) Delete(key string) error {
	start := time.Now()
	err := is.impl.Delete(key)
	duration := time.Since(start)

	is.recordMetric("delete", resultLabel(err), duration)
	return err
}

func (is *instrumentedStore) Has(key string) bool {
	return is.impl.Has(key)
}

func (is *instrumentedStore) Start() error {
	return is.impl.Start()
}

func (is *instrumentedStore) Stop() error {
	return is.impl.Stop()
}

func (is *instrumentedStore) IsRunning() bool {
	return is.impl.IsRunning()
}

func (is *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	is.metrics.Counter("store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	is.metrics.Histogram("store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
