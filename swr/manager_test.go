package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saiset-co/sai-swr/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, store *fakeStore) (*Manager, *fakeClock) {
	t.Helper()

	config := &types.ServiceConfig{
		SWR:  &types.SWRConfig{DefaultTimeout: time.Hour, DefaultRefreshMargin: 10 * time.Minute, KeyPrefix: "test"},
		Pool: &types.PoolConfig{Workers: 2, QueueSize: 8, ShutdownTimeout: time.Second},
	}

	m, err := NewManager(context.Background(), config, testLogger(), nil, store)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}

	clk := newFakeClock()
	m.now = clk.Now
	m.coordinator.now = clk.Now

	if err := m.Start(); err != nil {
		t.Fatalf("manager.Start() = %v", err)
	}
	t.Cleanup(func() { m.Stop() })

	return m, clk
}

func TestManagerStaleWhileRevalidate(t *testing.T) {
	store := newFakeStore()
	m, clk := newTestManager(t, store)

	opts := Options{Timeout: 20 * time.Second, RefreshMargin: 10 * time.Second}
	params := map[string]string{"city": "berlin"}
	key := m.Key("forecast", params)

	var computes int64
	compute := func(ctx context.Context) (interface{}, error) {
		return fmt.Sprintf("v%d", atomic.AddInt64(&computes, 1)), nil
	}

	// Miss: blocks on the compute and stores v1.
	got, err := m.Fetch(context.Background(), "forecast", params, opts, compute)
	if err != nil || got != "v1" {
		t.Fatalf("miss Fetch() = %v, %v; want v1", got, err)
	}

	// Fresh window: serves v1 without touching the compute.
	clk.Advance(9 * time.Second)
	got, err = m.Fetch(context.Background(), "forecast", params, opts, compute)
	if err != nil || got != "v1" {
		t.Fatalf("fresh Fetch() = %v, %v; want v1", got, err)
	}
	if atomic.LoadInt64(&computes) != 1 {
		t.Fatalf("fresh read recomputed: %d computes", computes)
	}
	if m.coordinator.InFlight(key) {
		t.Fatal("fresh read triggered a background refresh")
	}

	// Stale window: serves v1 immediately and refreshes in the background.
	clk.Advance(3 * time.Second)
	got, err = m.Fetch(context.Background(), "forecast", params, opts, compute)
	if err != nil || got != "v1" {
		t.Fatalf("stale Fetch() = %v, %v; want v1", got, err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		entry := store.entry(key)
		return entry != nil && entry.Value == "v2"
	})
	if entry := store.entry(key); !entry.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("refreshed entry CreatedAt = %s, want %s", entry.CreatedAt, clk.Now())
	}

	// The refreshed entry is fresh again.
	got, err = m.Fetch(context.Background(), "forecast", params, opts, compute)
	if err != nil || got != "v2" {
		t.Fatalf("post-refresh Fetch() = %v, %v; want v2", got, err)
	}
	if atomic.LoadInt64(&computes) != 2 {
		t.Fatalf("post-refresh read recomputed: %d computes", computes)
	}

	// Past the timeout: blocks on a fresh compute.
	clk.Advance(30 * time.Second)
	got, err = m.Fetch(context.Background(), "forecast", params, opts, compute)
	if err != nil || got != "v3" {
		t.Fatalf("expired Fetch() = %v, %v; want v3", got, err)
	}
}

func TestManagerColdKeySharedCompute(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	var computes int64
	gate := make(chan struct{})
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&computes, 1)
		<-gate
		return "v1", nil
	}
	opts := Options{Timeout: time.Minute, RefreshMargin: time.Second}

	const callers = 10
	results := make(chan interface{}, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Fetch(context.Background(), "forecast", nil, opts, compute)
			results <- got
			errs <- err
		}()
	}

	waitUntil(t, 2*time.Second, func() bool { return atomic.LoadInt64(&computes) >= 1 })
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Fetch() = %v", err)
		}
	}
	for got := range results {
		if got != "v1" {
			t.Fatalf("concurrent Fetch() = %v, want v1", got)
		}
	}
	if got := atomic.LoadInt64(&computes); got != 1 {
		t.Fatalf("compute ran %d times for one cold key, want 1", got)
	}
}

func TestManagerSyncComputeFailureLeavesNoEntry(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	cause := errors.New("upstream down")
	var computes int64
	failing := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&computes, 1)
		return nil, cause
	}
	opts := Options{Timeout: time.Minute}

	if _, err := m.Fetch(context.Background(), "forecast", nil, opts, failing); !errors.Is(err, cause) {
		t.Fatalf("Fetch() error = %v, want wrapped %v", err, cause)
	}
	if store.Has(m.Key("forecast", nil)) {
		t.Fatal("failed compute left an entry behind")
	}

	// The next read retries instead of caching the failure.
	if _, err := m.Fetch(context.Background(), "forecast", nil, opts, failing); !errors.Is(err, cause) {
		t.Fatalf("retry Fetch() error = %v, want wrapped %v", err, cause)
	}
	if atomic.LoadInt64(&computes) != 2 {
		t.Fatalf("compute ran %d times across two failing reads, want 2", computes)
	}
}

func TestManagerStoreWriteFailure(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("backend write failed")
	m, _ := newTestManager(t, store)

	_, err := m.Fetch(context.Background(), "forecast", nil, Options{Timeout: time.Minute}, func(ctx context.Context) (interface{}, error) {
		return "v1", nil
	})
	if !errors.Is(err, store.setErr) {
		t.Fatalf("Fetch() error = %v, want wrapped %v", err, store.setErr)
	}
}

func TestManagerZeroTimeoutAlwaysComputes(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	var computes int64
	compute := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt64(&computes, 1), nil
	}

	for want := int64(1); want <= 3; want++ {
		got, err := m.Fetch(context.Background(), "forecast", nil, Options{}, compute)
		if err != nil {
			t.Fatalf("Fetch() = %v", err)
		}
		if got != want {
			t.Fatalf("Fetch() = %v, want %d (zero timeout must recompute every read)", got, want)
		}
	}
}

func TestManagerNilCompute(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	if _, err := m.Fetch(context.Background(), "forecast", nil, Options{Timeout: time.Minute}, nil); err != types.ErrComputeIsNil {
		t.Fatalf("Fetch() = %v, want ErrComputeIsNil", err)
	}
}

func TestManagerWrap(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	var computes int64
	cached := m.Wrap("forecast", Options{Timeout: time.Minute, RefreshMargin: time.Second}, func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt64(&computes, 1), nil
	})

	params := map[string]string{"city": "berlin"}
	for i := 0; i < 3; i++ {
		got, err := cached(context.Background(), params)
		if err != nil || got != int64(1) {
			t.Fatalf("cached() = %v, %v; want 1", got, err)
		}
	}
	if !store.Has(m.Key("forecast", params)) {
		t.Fatal("wrapped call did not populate the derived key")
	}
}

func TestManagerForget(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	var computes int64
	compute := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt64(&computes, 1), nil
	}
	opts := Options{Timeout: time.Minute}

	if _, err := m.Fetch(context.Background(), "forecast", nil, opts, compute); err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if err := m.Forget("forecast", nil); err != nil {
		t.Fatalf("Forget() = %v", err)
	}
	if store.Has(m.Key("forecast", nil)) {
		t.Fatal("entry survived Forget()")
	}

	got, err := m.Fetch(context.Background(), "forecast", nil, opts, compute)
	if err != nil || got != int64(2) {
		t.Fatalf("Fetch() after Forget() = %v, %v; want 2", got, err)
	}
}

func TestManagerPeriodicRegistration(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	params := map[string]string{"city": "berlin"}
	compute := func(ctx context.Context) (interface{}, error) { return "v", nil }

	if err := m.SchedulePeriodicRefresh("forecast", params, time.Minute, Options{Timeout: time.Hour}, compute); err != nil {
		t.Fatalf("SchedulePeriodicRefresh() = %v", err)
	}
	if !m.scheduler.Registered(m.Key("forecast", params)) {
		t.Fatal("periodic registration does not share the derived key space")
	}

	if err := m.SchedulePeriodicRefresh("forecast", params, 0, Options{}, compute); !errors.Is(err, types.ErrScheduleIntervalInvalid) {
		t.Fatalf("zero interval = %v, want ErrScheduleIntervalInvalid", err)
	}

	if err := m.UnschedulePeriodicRefresh("forecast", params); err != nil {
		t.Fatalf("UnschedulePeriodicRefresh() = %v", err)
	}
	if err := m.UnschedulePeriodicRefresh("forecast", params); !errors.Is(err, types.ErrScheduleNotFound) {
		t.Fatalf("second unschedule = %v, want ErrScheduleNotFound", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewManager(context.Background(), nil, testLogger(), nil, newFakeStore())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}

	if err := m.Stop(); err != types.ErrNotRunning {
		t.Fatalf("Stop() before Start() = %v, want ErrNotRunning", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := m.Start(); err != types.ErrAlreadyRunning {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if !m.IsRunning() {
		t.Fatal("IsRunning() = false after Start()")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if m.IsRunning() {
		t.Fatal("IsRunning() = true after Stop()")
	}
}

func TestNewManagerNilStore(t *testing.T) {
	if _, err := NewManager(context.Background(), nil, testLogger(), nil, nil); err != types.ErrStoreIsNil {
		t.Fatalf("NewManager(nil store) = %v, want ErrStoreIsNil", err)
	}
}

func TestNewManagerDoesNotMutateConfig(t *testing.T) {
	shared := &types.ServiceConfig{
		SWR: &types.SWRConfig{KeyPrefix: "a"},
	}

	first, err := NewManager(context.Background(), shared, testLogger(), nil, newFakeStore())
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	if shared.SWR.DefaultTimeout != 0 {
		t.Fatalf("NewManager() wrote defaults into the caller's config: %+v", shared.SWR)
	}
	if opts := first.DefaultOptions(); opts.Timeout != time.Hour {
		t.Fatalf("manager defaults not applied: %+v", opts)
	}

	// A second manager from the same config gets its own copy.
	second, err := NewManager(context.Background(), shared, testLogger(), nil, newFakeStore())
	if err != nil {
		t.Fatalf("second NewManager() = %v", err)
	}
	second.config.KeyPrefix = "b"
	if first.config.KeyPrefix != "a" {
		t.Fatalf("managers share one SWR config: %q", first.config.KeyPrefix)
	}
}

func TestManagerDefaultOptions(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	opts := m.DefaultOptions()
	if opts.Timeout != time.Hour || opts.RefreshMargin != 10*time.Minute {
		t.Fatalf("DefaultOptions() = %+v", opts)
	}
}
