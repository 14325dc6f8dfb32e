package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/types"
	"github.com/saiset-co/sai-swr/utils"
)

type CloverConfig struct {
	Path            string `json:"path"`
	Collection      string `json:"collection"`
	CleanupInterval string `json:"cleanup_interval"`
}

// CloverStore persists entries as documents in an embedded CloverDB
// collection. TTL is enforced on read and by a periodic sweep since the
// database itself has no expiry support.
type CloverStore struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	config      *CloverConfig
	defaultTTL  time.Duration
	db          *clover.DB
	state       int32
	cleanupDone chan struct{}
}

func NewCloverStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.CacheStore, error) {
	cloverConfig := &CloverConfig{
		Path:            "",
		Collection:      "swr_entries",
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover store config")
		}
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover database")
	}

	exists, err := db.HasCollection(cloverConfig.Collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := db.CreateCollection(cloverConfig.Collection); err != nil {
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	defaultTTL := config.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	storeCtx, cancel := context.WithCancel(ctx)

	return &CloverStore{
		ctx:         storeCtx,
		cancel:      cancel,
		logger:      logger,
		config:      cloverConfig,
		defaultTTL:  defaultTTL,
		db:          db,
		cleanupDone: make(chan struct{}),
	}, nil
}

func (c *CloverStore) Get(key string) (*types.CacheEntry, bool) {
	if key == "" {
		return nil, false
	}

	doc, err := c.db.Query(c.config.Collection).
		Where(clover.Field("key").Eq(key)).
		FindFirst()
	if err != nil {
		c.logger.Error("Failed to query cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if doc == nil {
		return nil, false
	}

	payload, ok := doc.Get("payload").(string)
	if !ok {
		c.logger.Error("Malformed cache document", zap.String("key", key))
		_ = c.Delete(key)
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal([]byte(payload), &entry); err != nil {
		c.logger.Error("Failed to unmarshal cache entry", zap.String("key", key), zap.Error(err))
		_ = c.Delete(key)
		return nil, false
	}

	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		_ = c.Delete(key)
		return nil, false
	}

	return &entry, true
}

func (c *CloverStore) Set(key string, entry *types.CacheEntry, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}
	if entry == nil {
		return types.ErrStoreEntryIsNil
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	stored := *entry
	stored.Key = key
	stored.ExpiresAt = time.Now().Add(ttl)

	payload, err := utils.Marshal(&stored)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	if err := c.db.Query(c.config.Collection).Where(clover.Field("key").Eq(key)).Delete(); err != nil {
		return types.WrapError(err, "failed to replace cache entry")
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("payload", string(payload))
	doc.Set("expires_at", stored.ExpiresAt.UnixNano())

	if _, err := c.db.InsertOne(c.config.Collection, doc); err != nil {
		return types.WrapError(err, "failed to insert cache entry")
	}

	return nil
}

func (c *CloverStore) Delete(key string) error {
	if key == "" {
		return nil
	}

	err := c.db.Query(c.config.Collection).Where(clover.Field("key").Eq(key)).Delete()
	if err != nil {
		return types.WrapError(err, "failed to delete cache entry")
	}

	return nil
}

func (c *CloverStore) Has(key string) bool {
	_, found := c.Get(key)
	return found
}

func (c *CloverStore) Start() error {
	if !atomic.CompareAndSwapInt32(&c.state, 0, 1) {
		return types.ErrAlreadyRunning
	}

	go c.startCleanupRoutine()

	c.logger.Debug("Clover store started",
		zap.String("path", c.config.Path),
		zap.String("collection", c.config.Collection))
	return nil
}

func (c *CloverStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.state, 1, 0) {
		return types.ErrNotRunning
	}

	c.cancel()

	select {
	case <-c.cleanupDone:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Cleanup routine stop timeout")
	}

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover database")
	}

	c.logger.Debug("Clover store stopped")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return atomic.LoadInt32(&c.state) == 1
}

func (c *CloverStore) startCleanupRoutine() {
	defer close(c.cleanupDone)

	cleanupInterval, err := time.ParseDuration(c.config.CleanupInterval)
	if err != nil || cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *CloverStore) cleanup() {
	now := time.Now().UnixNano()

	err := c.db.Query(c.config.Collection).
		Where(clover.Field("expires_at").Gt(int64(0)).And(clover.Field("expires_at").Lt(now))).
		Delete()
	if err != nil {
		c.logger.Error("Cleanup failed", zap.Error(err))
	}
}
