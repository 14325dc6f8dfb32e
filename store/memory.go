package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/types"
	"github.com/saiset-co/sai-swr/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	CleanupInterval string `json:"cleanup_interval"`
}

type MemoryStore struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *MemoryConfig
	logger      types.Logger
	defaultTTL  time.Duration
	data        map[string]*types.CacheEntry
	hits        uint64
	misses      uint64
	evictions   uint64
	mu          sync.RWMutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.CacheStore, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	defaultTTL := config.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &MemoryStore{
		ctx:         storeCtx,
		cancel:      cancel,
		config:      memConfig,
		logger:      logger,
		defaultTTL:  defaultTTL,
		data:        make(map[string]*types.CacheEntry),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (m *MemoryStore) Get(key string) (*types.CacheEntry, bool) {
	now := time.Now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		m.mu.RUnlock()

		m.mu.Lock()
		if entry, exists := m.data[key]; exists && now.After(entry.ExpiresAt) {
			delete(m.data, key)
		}
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)
	return entry, true
}

func (m *MemoryStore) Set(key string, entry *types.CacheEntry, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}
	if entry == nil {
		return types.ErrStoreEntryIsNil
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	// Replacement is a new entry, never a mutation of the stored one.
	stored := *entry
	stored.Key = key
	stored.ExpiresAt = time.Now().Add(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOneUnsafe()
		}
	}

	m.data[key] = &stored
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Has(key string) bool {
	_, found := m.Get(key)
	return found
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.config.CleanupInterval != "" {
		go m.startCleanupRoutine()
	} else {
		close(m.cleanupDone)
	}

	m.logger.Debug("Memory store started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(MemoryStateStopped)

	m.cancel()

	select {
	case <-m.cleanupDone:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.mu.Lock()
	cleared := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.mu.Unlock()

	m.logger.Debug("Memory store stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryStore) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryStore) setState(newState MemoryState) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *MemoryStore) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryStore) cleanup() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for key, entry := range m.data {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.data, key)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("Cleanup completed", zap.Int("expired_entries", len(expired)))
	}
}

func (m *MemoryStore) startCleanupRoutine() {
	defer close(m.cleanupDone)

	cleanupInterval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 5m",
			zap.String("interval", m.config.CleanupInterval),
			zap.Error(err))
		cleanupInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) evictOneUnsafe() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.data {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		delete(m.data, oldestKey)
		atomic.AddUint64(&m.evictions, 1)
	}
}
