package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Store     *StoreConfig     `yaml:"store" json:"store"`
	SWR       *SWRConfig       `yaml:"swr" json:"swr"`
	Pool      *PoolConfig      `yaml:"pool" json:"pool"`
	Scheduler *SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type       string        `yaml:"type" json:"type" validate:"required"`
	Config     interface{}   `yaml:"config" json:"config"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
}

// SWRConfig holds the defaults applied when a caller does not specify
// per-computation freshness options.
type SWRConfig struct {
	DefaultTimeout       time.Duration `yaml:"default_timeout" json:"default_timeout" validate:"min=0"`
	DefaultRefreshMargin time.Duration `yaml:"default_refresh_margin" json:"default_refresh_margin" validate:"min=0"`
	KeyPrefix            string        `yaml:"key_prefix" json:"key_prefix"`
}

type PoolConfig struct {
	Workers         int           `yaml:"workers" json:"workers" validate:"min=0"`
	QueueSize       int           `yaml:"queue_size" json:"queue_size" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Path      string            `yaml:"path" json:"path"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	Subsystem string            `yaml:"subsystem" json:"subsystem"`
	Labels    map[string]string `yaml:"labels" json:"labels"`
	Config    interface{}       `yaml:"config" json:"config"`
}
