package entity

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingDeviceHost = errors.New("device host not specified")
	ErrInvalidQoS        = errors.New("qos must be 0, 1 or 2")
)

type BrokerConfig struct {
	Type      string `yaml:"type"` // autopaho or paho
	Host      string `yaml:"host"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QoS       int    `yaml:"qos"`
	Keepalive uint16 `yaml:"keepalive"`
	// DisconnectDelay is the flat wait in seconds after an unexpected disconnect.
	DisconnectDelay int `yaml:"disconnect_delay"`
	// MaxBackoff caps the exponential connect backoff, in seconds.
	MaxBackoff int `yaml:"max_backoff"`
}

type DeviceConfig struct {
	ID       string `yaml:"id"` // MQTT client id and topic root
	Host     string `yaml:"host"`
	Interval int    `yaml:"interval"`
	Timeout  int    `yaml:"timeout"`
	Penalty  int    `yaml:"penalty"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type HeartbeatConfig struct {
	Device int `yaml:"device"`
	App    int `yaml:"app"`
}

type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

type MetricsConfig struct {
	Listen       string `yaml:"listen"`
	PushURL      string `yaml:"push_url"`
	PushInterval int    `yaml:"push_interval"`
}

type LogConfig struct {
	Level int    `yaml:"level"` // 1-fatal, 2-error, 3-warning, 4-info, 5-debug
	File  string `yaml:"file"`
}

type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Device    DeviceConfig    `yaml:"device"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultConfig returns a configuration with every default applied and no device host.
func DefaultConfig() *Config {
	config := &Config{Broker: BrokerConfig{QoS: -1}}
	config.ApplyDefaults()
	return config
}

// ApplyDefaults fills zero values. A negative broker QoS means "unset" and becomes 1,
// so that an explicit qos: 0 in the file survives.
func (c *Config) ApplyDefaults() {
	if c.Broker.Type == "" {
		c.Broker.Type = "autopaho"
	}
	if c.Broker.Host == "" {
		c.Broker.Host = "localhost"
	}
	if c.Broker.QoS < 0 {
		c.Broker.QoS = 1
	}
	if c.Broker.Keepalive == 0 {
		c.Broker.Keepalive = 30
	}
	if c.Broker.DisconnectDelay <= 0 {
		c.Broker.DisconnectDelay = 10
	}
	if c.Broker.MaxBackoff <= 0 {
		c.Broker.MaxBackoff = 300
	}

	if c.Device.ID == "" {
		c.Device.ID = "wattrouter"
	}
	if c.Device.Interval <= 0 {
		c.Device.Interval = 15
	}
	if c.Device.Timeout <= 0 {
		c.Device.Timeout = 10
	}
	if c.Device.Penalty <= 0 {
		c.Device.Penalty = 300
	}
	if c.Device.Username == "" {
		c.Device.Username = "admin"
	}
	if c.Device.Password == "" {
		c.Device.Password = "1234"
	}

	if c.Heartbeat.Device <= 0 {
		c.Heartbeat.Device = 900
	}
	if c.Heartbeat.App <= 0 {
		c.Heartbeat.App = 1800
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "homeassistant"
	}
	if c.Metrics.PushInterval <= 0 {
		c.Metrics.PushInterval = 10
	}
	if c.Log.Level == 0 {
		c.Log.Level = 4
	}
}

func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return ErrMissingDeviceHost
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("%w, got %d", ErrInvalidQoS, c.Broker.QoS)
	}
	return nil
}

func (c *DeviceConfig) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func (c *DeviceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *DeviceConfig) PenaltyDelay() time.Duration {
	return time.Duration(c.Penalty) * time.Second
}
