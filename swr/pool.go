package swr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/types"
)

type PoolState int32

const (
	PoolStateStopped PoolState = iota
	PoolStateStarting
	PoolStateRunning
	PoolStateStopping
)

const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultShutdownTimeout = 10 * time.Second
)

// WorkerPool executes refresh tasks on a bounded set of goroutines with a
// bounded queue. Submit never blocks: when the queue is full the task is
// rejected and the caller is responsible for releasing its in-flight mark.
type WorkerPool struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	workers         int
	tasks           chan *types.RefreshTask
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewWorkerPool(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.PoolConfig) *WorkerPool {
	workers := DefaultWorkers
	queueSize := DefaultQueueSize
	shutdownTimeout := DefaultShutdownTimeout

	if config != nil {
		if config.Workers > 0 {
			workers = config.Workers
		}
		if config.QueueSize > 0 {
			queueSize = config.QueueSize
		}
		if config.ShutdownTimeout > 0 {
			shutdownTimeout = config.ShutdownTimeout
		}
	}

	poolCtx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		ctx:             poolCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		workers:         workers,
		tasks:           make(chan *types.RefreshTask, queueSize),
		shutdownTimeout: shutdownTimeout,
	}

	pool.state.Store(PoolStateStopped)

	return pool
}

func (p *WorkerPool) Start() error {
	if !p.transitionState(PoolStateStopped, PoolStateStarting) {
		return types.ErrAlreadyRunning
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.setState(PoolStateRunning)
	p.logger.Debug("Worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.tasks)))
	return nil
}

// Submit enqueues a task for background execution. It reports false when the
// pool is not running or the queue is full; the task never runs in that case.
func (p *WorkerPool) Submit(task *types.RefreshTask) bool {
	if task == nil || p.getState() != PoolStateRunning {
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) Stop() error {
	if !p.transitionState(PoolStateRunning, PoolStateStopping) {
		return types.ErrNotRunning
	}

	defer p.setState(PoolStateStopped)

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Worker pool stopped gracefully")
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("Worker pool stop timeout")
	}

	// Tasks still queued will never run; release their in-flight marks so the
	// keys are not wedged if the pool is restarted.
	for {
		select {
		case task := <-p.tasks:
			if task.Release != nil {
				task.Release()
			}
		default:
			return nil
		}
	}
}

func (p *WorkerPool) IsRunning() bool {
	return p.getState() == PoolStateRunning
}

func (p *WorkerPool) getState() PoolState {
	return p.state.Load().(PoolState)
}

func (p *WorkerPool) setState(newState PoolState) bool {
	return p.state.CompareAndSwap(p.getState(), newState)
}

func (p *WorkerPool) transitionState(from, to PoolState) bool {
	return p.state.CompareAndSwap(from, to)
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			// Stop may have fired while this task was being received; it is
			// released instead of run, like the rest of the queue.
			select {
			case <-p.ctx.Done():
				if task.Release != nil {
					task.Release()
				}
				return
			default:
			}
			p.run(id, task)
		}
	}
}

func (p *WorkerPool) run(worker int, task *types.RefreshTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in refresh task",
				zap.String("task_id", task.ID),
				zap.String("key", task.Key),
				zap.Any("panic", r))
			if task.Release != nil {
				task.Release()
			}
		}
	}()

	start := time.Now()
	task.Run(p.ctx)

	if p.metrics != nil {
		p.metrics.Histogram("refresh_task_duration_seconds",
			[]float64{0.001, 0.01, 0.1, 1.0, 10.0},
			nil,
		).ObserveDuration(start)
	}

	p.logger.Debug("Refresh task finished",
		zap.String("task_id", task.ID),
		zap.String("key", task.Key),
		zap.Int("worker", worker),
		zap.Duration("queued", start.Sub(task.SubmittedAt)),
		zap.Duration("duration", time.Since(start)))
}
