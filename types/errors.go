package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrAlreadyRunning = errors.New("component already running")
	ErrNotRunning     = errors.New("component not running")
)

var (
	ErrStoreIsNil            = errors.New("cache store is nil")
	ErrStoreKeyEmpty         = errors.New("cache key empty")
	ErrStoreEntryIsNil       = errors.New("cache entry is nil")
	ErrStoreTypeUnknown      = errors.New("cache store type unknown")
	ErrStoreConnectionFailed = errors.New("cache store connection failed")
	ErrStoreOperationFailed  = errors.New("cache store operation failed")
)

var (
	ErrComputeIsNil   = errors.New("compute function is nil")
	ErrComputeFailed  = errors.New("compute function failed")
	ErrRefreshFailed  = errors.New("background refresh failed")
	ErrPoolSaturated  = errors.New("worker pool saturated")
	ErrPoolNotRunning = errors.New("worker pool not running")
)

var (
	ErrScheduleNameEmpty       = errors.New("schedule name is empty")
	ErrScheduleNotFound        = errors.New("schedule not found")
	ErrScheduleIntervalInvalid = errors.New("schedule interval invalid")
	ErrSchedulerStopped        = errors.New("scheduler stopped")
)

var (
	ErrMetricsIsDisabled = errors.New("metrics manager is disabled")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
