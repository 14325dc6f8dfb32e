package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-swr/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Store: &types.StoreConfig{
			Type:       "memory",
			DefaultTTL: time.Hour,
		},
		SWR: &types.SWRConfig{
			DefaultTimeout:       time.Hour,
			DefaultRefreshMargin: 10 * time.Minute,
			KeyPrefix:            "swr",
		},
		Pool: &types.PoolConfig{
			Workers:         4,
			QueueSize:       64,
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: &types.SchedulerConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled:   false,
			Path:      "/metrics",
			Namespace: "sai_swr",
		},
	}
}
