package swr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/types"
)

// RefreshCoordinator enforces single-flight semantics for background
// recomputations: at most one refresh per key runs at any time, across both
// the request-triggered and the periodic trigger paths. A failed refresh
// never touches the stored entry.
type RefreshCoordinator struct {
	logger   types.Logger
	metrics  types.MetricsManager
	store    types.CacheStore
	pool     *WorkerPool
	now      func() time.Time
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRefreshCoordinator(logger types.Logger, metrics types.MetricsManager, store types.CacheStore, pool *WorkerPool) *RefreshCoordinator {
	return &RefreshCoordinator{
		logger:   logger,
		metrics:  metrics,
		store:    store,
		pool:     pool,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// TryRefresh submits a background recomputation for key unless one is already
// in flight. It returns immediately in either case; the report value tells
// whether a new task was accepted.
func (c *RefreshCoordinator) TryRefresh(key string, opts Options, compute types.ComputeFunc) bool {
	if compute == nil {
		return false
	}

	c.mu.Lock()
	if _, running := c.inflight[key]; running {
		c.mu.Unlock()
		return false
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		})
	}

	opts = opts.normalized()

	task := &types.RefreshTask{
		ID:          uuid.New().String(),
		Key:         key,
		SubmittedAt: c.now(),
		Release:     release,
	}
	task.Run = func(ctx context.Context) {
		defer release()
		c.refresh(ctx, task, opts, compute)
	}

	if !c.pool.Submit(task) {
		release()
		c.logger.Debug("Refresh rejected by worker pool",
			zap.String("key", key),
			zap.Error(types.ErrPoolSaturated))
		c.recordRefresh("rejected")
		return false
	}

	return true
}

// InFlight reports whether a refresh for key is currently running or queued.
func (c *RefreshCoordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, running := c.inflight[key]
	return running
}

func (c *RefreshCoordinator) refresh(ctx context.Context, task *types.RefreshTask, opts Options, compute types.ComputeFunc) {
	value, err := compute(ctx)
	if err != nil {
		c.logger.Warn("Background refresh failed, keeping previous value",
			zap.String("task_id", task.ID),
			zap.String("key", task.Key),
			zap.Error(err))
		c.recordRefresh("compute_error")
		return
	}

	entry := NewEntry(task.Key, value, opts, c.now())
	if err := c.store.Set(task.Key, entry, opts.Timeout); err != nil {
		c.logger.Warn("Background refresh store write failed, keeping previous value",
			zap.String("task_id", task.ID),
			zap.String("key", task.Key),
			zap.Error(err))
		c.recordRefresh("store_error")
		return
	}

	c.recordRefresh("success")
}

func (c *RefreshCoordinator) recordRefresh(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Counter("refresh_total", map[string]string{"result": result}).Inc()
}
