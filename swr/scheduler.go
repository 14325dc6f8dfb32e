package swr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/types"
)

type SchedulerState int32

const (
	SchedulerStateStopped SchedulerState = iota
	SchedulerStateRunning
	SchedulerStateStopping
)

// PeriodicScheduler triggers proactive refreshes for registered keys on a
// fixed cadence, independent of request traffic. Triggers go through the same
// RefreshCoordinator as request-driven refreshes, so an overrun tick collapses
// into the single-flight no-op instead of stacking.
type PeriodicScheduler struct {
	logger          types.Logger
	coordinator     *RefreshCoordinator
	cron            *cron.Cron
	jobs            map[string]cron.EntryID
	mu              sync.Mutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewPeriodicScheduler(logger types.Logger, config *types.SchedulerConfig, coordinator *RefreshCoordinator) *PeriodicScheduler {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		if tz, err := time.LoadLocation(config.Timezone); err == nil {
			timezone = tz
		} else {
			logger.Warn("Invalid scheduler timezone, using UTC", zap.String("timezone", config.Timezone))
		}
	}

	cronL := safeCronLogger{logger: logger}

	scheduler := &PeriodicScheduler{
		logger:      logger,
		coordinator: coordinator,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithChain(cron.Recover(cronL)),
		),
		jobs:            make(map[string]cron.EntryID),
		shutdownTimeout: 10 * time.Second,
	}

	scheduler.state.Store(SchedulerStateStopped)

	return scheduler
}

// Register schedules a periodic refresh of key every interval. Re-registering
// the same key replaces the prior registration. Registrations made while the
// scheduler is stopped are kept and begin ticking on the next Start; only a
// scheduler mid-Stop rejects them. Intervals below one second are rounded up
// by the underlying cron schedule.
func (s *PeriodicScheduler) Register(key string, interval time.Duration, opts Options, compute types.ComputeFunc) error {
	if key == "" {
		return types.ErrScheduleNameEmpty
	}
	if interval <= 0 {
		return types.Errorf(types.ErrScheduleIntervalInvalid, "interval: %s", interval)
	}
	if compute == nil {
		return types.ErrComputeIsNil
	}
	if s.getState() == SchedulerStateStopping {
		return types.ErrSchedulerStopped
	}

	job := cron.FuncJob(func() {
		s.coordinator.TryRefresh(key, opts, compute)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.jobs[key]; exists {
		s.cron.Remove(id)
	}

	s.jobs[key] = s.cron.Schedule(cron.Every(interval), job)

	s.logger.Debug("Periodic refresh registered",
		zap.String("key", key),
		zap.Duration("interval", interval))
	return nil
}

func (s *PeriodicScheduler) Unregister(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.jobs[key]
	if !exists {
		return types.Errorf(types.ErrScheduleNotFound, "key: %s", key)
	}

	s.cron.Remove(id)
	delete(s.jobs, key)

	s.logger.Debug("Periodic refresh unregistered", zap.String("key", key))
	return nil
}

// Registered reports whether key has an active periodic registration.
func (s *PeriodicScheduler) Registered(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.jobs[key]
	return exists
}

func (s *PeriodicScheduler) Start() error {
	if !s.transitionState(SchedulerStateStopped, SchedulerStateRunning) {
		return types.ErrAlreadyRunning
	}

	s.cron.Start()
	s.logger.Debug("Periodic scheduler started")
	return nil
}

// Stop stops issuing new ticks and waits for in-flight job submissions, up to
// the shutdown timeout.
func (s *PeriodicScheduler) Stop() error {
	if !s.transitionState(SchedulerStateRunning, SchedulerStateStopping) {
		return types.ErrNotRunning
	}

	defer s.setState(SchedulerStateStopped)

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Debug("Periodic scheduler stopped gracefully")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Periodic scheduler stop timeout")
	}

	return nil
}

func (s *PeriodicScheduler) IsRunning() bool {
	return s.getState() == SchedulerStateRunning
}

func (s *PeriodicScheduler) getState() SchedulerState {
	return s.state.Load().(SchedulerState)
}

func (s *PeriodicScheduler) setState(newState SchedulerState) bool {
	return s.state.CompareAndSwap(s.getState(), newState)
}

func (s *PeriodicScheduler) transitionState(from, to SchedulerState) bool {
	return s.state.CompareAndSwap(from, to)
}

type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
