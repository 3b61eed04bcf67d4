package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
)

// loadConfig reads the YAML file at path. Unset keys keep their defaults.
func loadConfig(path string) (*entity.Config, error) {
	config := &entity.Config{Broker: entity.BrokerConfig{QoS: -1}}
	if path == "" {
		config.ApplyDefaults()
		return config, nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not exist: %v", path)
		}
		return nil, fmt.Errorf("stat config file failed, %w", err)
	}
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed, %w", err)
	}
	if err = yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("unmarshal config file failed, %w", err)
	}
	config.ApplyDefaults()
	return config, nil
}
