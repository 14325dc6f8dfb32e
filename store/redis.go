package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/types"
	"github.com/saiset-co/sai-swr/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

type RedisStore struct {
	ctx        context.Context
	logger     types.Logger
	config     *RedisConfig
	defaultTTL time.Duration
	client     *redis.Client
	started    int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.CacheStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-swr",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	defaultTTL := config.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	store := &RedisStore{
		ctx:        ctx,
		logger:     logger,
		config:     redisConfig,
		defaultTTL: defaultTTL,
	}

	store.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	return store, nil
}

func (r *RedisStore) Get(key string) (*types.CacheEntry, bool) {
	if key == "" {
		return nil, false
	}

	result, err := r.client.Get(r.ctx, r.fullKey(key)).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false
		}
		r.logger.Error("Failed to get cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Error("Failed to unmarshal cache entry", zap.String("key", key), zap.Error(err))
		r.client.Del(r.ctx, r.fullKey(key))
		return nil, false
	}

	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		if err := r.Delete(key); err != nil {
			r.logger.Error("Failed to delete expired cache entry", zap.Error(err))
		}
		return nil, false
	}

	return &entry, true
}

func (r *RedisStore) Set(key string, entry *types.CacheEntry, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}
	if entry == nil {
		return types.ErrStoreEntryIsNil
	}

	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	stored := *entry
	stored.Key = key
	stored.ExpiresAt = time.Now().Add(ttl)

	data, err := utils.Marshal(&stored)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	if err := r.client.Set(r.ctx, r.fullKey(key), data, ttl).Err(); err != nil {
		r.logger.Error("Failed to set cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set cache entry")
	}

	return nil
}

func (r *RedisStore) Delete(key string) error {
	if key == "" {
		return nil
	}

	if err := r.client.Del(r.ctx, r.fullKey(key)).Err(); err != nil {
		r.logger.Error("Failed to delete cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to delete cache entry")
	}

	return nil
}

func (r *RedisStore) Has(key string) bool {
	if key == "" {
		return false
	}

	count, err := r.client.Exists(r.ctx, r.fullKey(key)).Result()
	if err != nil {
		r.logger.Error("Failed to check cache entry", zap.String("key", key), zap.Error(err))
		return false
	}

	return count > 0
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrAlreadyRunning
	}

	pingCtx, cancel := context.WithTimeout(r.ctx, r.config.DialTimeout)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		atomic.StoreInt32(&r.started, 0)
		return types.WrapError(err, "failed to connect to redis")
	}

	r.logger.Debug("Redis store started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)),
		zap.Int("db", r.config.DB))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Debug("Redis store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) fullKey(key string) string {
	if r.config.KeyPrefix == "" {
		return key
	}
	return r.config.KeyPrefix + ":" + key
}
