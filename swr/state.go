package swr

import (
	"time"

	"github.com/saiset-co/sai-swr/types"
)

// EntryState classifies a cached entry at a point in time. The stale window
// starts refreshMargin before the timeout: within it the old value is still
// served while a background refresh is triggered.
type EntryState int

const (
	StateFresh EntryState = iota
	StateStaleServable
	StateExpired
)

func (s EntryState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStaleServable:
		return "stale"
	default:
		return "expired"
	}
}

func EntryStateOf(entry *types.CacheEntry, now time.Time) EntryState {
	if entry == nil {
		return StateExpired
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		return StateExpired
	}

	margin := entry.RefreshMargin
	if margin < 0 {
		margin = 0
	}
	if margin > timeout {
		margin = timeout
	}

	age := now.Sub(entry.CreatedAt)
	switch {
	case age < timeout-margin:
		return StateFresh
	case age < timeout:
		return StateStaleServable
	default:
		return StateExpired
	}
}

// Options carries the per-computation freshness window. RefreshMargin is
// clamped to [0, Timeout].
type Options struct {
	Timeout       time.Duration
	RefreshMargin time.Duration
}

func (o Options) normalized() Options {
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.RefreshMargin < 0 {
		o.RefreshMargin = 0
	}
	if o.RefreshMargin > o.Timeout {
		o.RefreshMargin = o.Timeout
	}
	return o
}

// NewEntry builds the replacement entry written after a successful compute.
func NewEntry(key string, value interface{}, opts Options, now time.Time) *types.CacheEntry {
	opts = opts.normalized()
	return &types.CacheEntry{
		Key:           key,
		Value:         value,
		CreatedAt:     now,
		Timeout:       opts.Timeout,
		RefreshMargin: opts.RefreshMargin,
	}
}
