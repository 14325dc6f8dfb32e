package types

import (
	"context"
	"time"
)

// ComputeFunc produces a fresh payload. It is supplied by the caller and may
// be invoked synchronously on a cache miss or asynchronously by a background
// refresh.
type ComputeFunc func(ctx context.Context) (interface{}, error)

// CachedFunc is the wrapped form of a computation returned by Manager.Wrap.
type CachedFunc func(ctx context.Context, params map[string]string) (interface{}, error)

// RefreshTask is a single background recomputation. It exists only for the
// duration of one worker pool execution. Release must be safe to call more
// than once and unconditionally clears the in-flight mark for Key.
type RefreshTask struct {
	ID          string
	Key         string
	SubmittedAt time.Time
	Run         func(ctx context.Context)
	Release     func()
}
