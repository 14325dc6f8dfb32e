package types

import (
	"time"
)

// CacheStore is the only I/O boundary the SWR core depends on. Any backend
// exposing this capability set is acceptable; implementations must be safe
// for concurrent use from arbitrary callers.
type CacheStore interface {
	LifecycleManager
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration) error
	Delete(key string) error
	Has(key string) bool
}

type StoreCreator func(config interface{}) (CacheStore, error)

// CacheEntry carries the cached payload together with the freshness metadata
// the SWR state machine reads. Value is immutable once written: replacement
// is a new entry, never a mutation.
type CacheEntry struct {
	Key           string        `json:"key"`
	Value         interface{}   `json:"value"`
	CreatedAt     time.Time     `json:"created_at"`
	Timeout       time.Duration `json:"timeout"`
	RefreshMargin time.Duration `json:"refresh_margin"`
	ExpiresAt     time.Time     `json:"expires_at"`
}
