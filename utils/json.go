package utils

import (
	"fmt"

	"github.com/bytedance/sonic"
)

func Marshal(data interface{}) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(data)
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

// UnmarshalConfig converts a loosely typed config value (usually a
// map[string]interface{} decoded from YAML) into a typed config struct.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(configBytes, target)
}
