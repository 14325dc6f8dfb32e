package swr

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-swr/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Manager is the stale-while-revalidate facade. It derives keys, classifies
// entries, serves stale values while refreshing them in the background, and
// blocks callers only on a miss or a fully expired entry.
//
// Managers are independent: two instances over different stores share no
// state and never interfere.
type Manager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *types.SWRConfig
	logger      types.Logger
	metrics     types.MetricsManager
	store       types.CacheStore
	keyer       Keyer
	pool        *WorkerPool
	coordinator *RefreshCoordinator
	scheduler   *PeriodicScheduler
	flight      singleflight.Group
	now         func() time.Time
	state       atomic.Value
}

func NewManager(ctx context.Context, config *types.ServiceConfig, logger types.Logger, metrics types.MetricsManager, store types.CacheStore) (*Manager, error) {
	if store == nil {
		return nil, types.ErrStoreIsNil
	}
	if config == nil {
		config = &types.ServiceConfig{}
	}

	// Defaults are applied to a private copy so two managers built from one
	// ServiceConfig never see each other's writes.
	swrConfig := &types.SWRConfig{}
	if config.SWR != nil {
		*swrConfig = *config.SWR
	}
	if swrConfig.DefaultTimeout <= 0 {
		swrConfig.DefaultTimeout = time.Hour
	}
	if swrConfig.DefaultRefreshMargin < 0 {
		swrConfig.DefaultRefreshMargin = 0
	}

	managerCtx, cancel := context.WithCancel(ctx)

	pool := NewWorkerPool(managerCtx, logger, metrics, config.Pool)
	coordinator := NewRefreshCoordinator(logger, metrics, store, pool)
	scheduler := NewPeriodicScheduler(logger, config.Scheduler, coordinator)

	m := &Manager{
		ctx:         managerCtx,
		cancel:      cancel,
		config:      swrConfig,
		logger:      logger,
		metrics:     metrics,
		store:       store,
		keyer:       NewDefaultKeyer(swrConfig.KeyPrefix),
		pool:        pool,
		coordinator: coordinator,
		scheduler:   scheduler,
		now:         time.Now,
	}

	m.state.Store(ManagerStateStopped)

	return m, nil
}

func (m *Manager) Start() error {
	if !m.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrAlreadyRunning
	}

	if err := m.pool.Start(); err != nil {
		m.setState(ManagerStateStopped)
		return types.WrapError(err, "failed to start worker pool")
	}

	if err := m.scheduler.Start(); err != nil {
		_ = m.pool.Stop()
		m.setState(ManagerStateStopped)
		return types.WrapError(err, "failed to start scheduler")
	}

	m.setState(ManagerStateRunning)
	m.logger.Debug("SWR manager started")
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		m.setState(ManagerStateStopped)
		m.cancel()
	}()

	g := new(errgroup.Group)
	g.Go(m.scheduler.Stop)
	g.Go(m.pool.Stop)

	if err := g.Wait(); err != nil {
		return types.WrapError(err, "failed to stop SWR manager")
	}

	m.logger.Debug("SWR manager stopped gracefully")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == ManagerStateRunning
}

// Fetch applies the SWR policy to one read. A fresh entry is returned as is;
// a stale-but-servable entry is returned immediately while a background
// refresh is triggered; a missing or expired entry blocks the caller on a
// synchronous compute shared by concurrent racers for the same key.
func (m *Manager) Fetch(ctx context.Context, resource string, params map[string]string, opts Options, compute types.ComputeFunc) (interface{}, error) {
	if compute == nil {
		return nil, types.ErrComputeIsNil
	}

	opts = opts.normalized()
	key := m.keyer.Key(resource, params)

	entry, found := m.store.Get(key)
	state := StateExpired
	if found {
		state = EntryStateOf(entry, m.now())
	}
	m.recordRead(state)

	switch state {
	case StateFresh:
		return entry.Value, nil
	case StateStaleServable:
		m.coordinator.TryRefresh(key, opts, compute)
		return entry.Value, nil
	default:
		return m.computeSync(ctx, key, opts, compute)
	}
}

// Wrap turns a computation into its cached equivalent. The returned function
// applies the SWR policy transparently on every call.
func (m *Manager) Wrap(resource string, opts Options, compute types.ComputeFunc) types.CachedFunc {
	return func(ctx context.Context, params map[string]string) (interface{}, error) {
		return m.Fetch(ctx, resource, params, opts, compute)
	}
}

// SchedulePeriodicRefresh registers a proactive refresh of the derived key
// every interval, sharing the key space and single-flight semantics with
// Fetch. Re-registration of the same resource and params replaces the prior
// registration.
func (m *Manager) SchedulePeriodicRefresh(resource string, params map[string]string, interval time.Duration, opts Options, compute types.ComputeFunc) error {
	opts = opts.normalized()
	return m.scheduler.Register(m.keyer.Key(resource, params), interval, opts, compute)
}

func (m *Manager) UnschedulePeriodicRefresh(resource string, params map[string]string) error {
	return m.scheduler.Unregister(m.keyer.Key(resource, params))
}

// Forget drops the cached entry so the next read recomputes from scratch.
func (m *Manager) Forget(resource string, params map[string]string) error {
	return m.store.Delete(m.keyer.Key(resource, params))
}

// Key exposes the derived cache key for a resource and params.
func (m *Manager) Key(resource string, params map[string]string) string {
	return m.keyer.Key(resource, params)
}

func (m *Manager) computeSync(ctx context.Context, key string, opts Options, compute types.ComputeFunc) (interface{}, error) {
	value, err, _ := m.flight.Do(key, func() (interface{}, error) {
		value, err := compute(ctx)
		if err != nil {
			// No entry is left behind, so the next read retries from scratch.
			return nil, types.WrapError(err, "compute failed")
		}

		entry := NewEntry(key, value, opts, m.now())
		if err := m.store.Set(key, entry, opts.Timeout); err != nil {
			return nil, types.WrapError(err, "failed to store computed value")
		}

		return value, nil
	})

	return value, err
}

// DefaultOptions returns the freshness window configured for this manager.
// Fetch honors the options it is given literally (a zero Timeout forces every
// read to recompute), so callers wanting the configured defaults ask for them
// explicitly.
func (m *Manager) DefaultOptions() Options {
	return Options{
		Timeout:       m.config.DefaultTimeout,
		RefreshMargin: m.config.DefaultRefreshMargin,
	}
}

func (m *Manager) recordRead(state EntryState) {
	if m.metrics == nil {
		return
	}
	m.metrics.Counter("reads_total", map[string]string{"state": state.String()}).Inc()
}

func (m *Manager) getState() ManagerState {
	return m.state.Load().(ManagerState)
}

func (m *Manager) setState(newState ManagerState) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *Manager) transitionState(from, to ManagerState) bool {
	return m.state.CompareAndSwap(from, to)
}
