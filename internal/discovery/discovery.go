package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity/hass"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool)
}

type Config struct {
	Prefix     string
	DeviceID   string
	DeviceHost string
	QoS        byte
	Version    string
}

// Announcer publishes the Home Assistant discovery document for the router.
type Announcer struct {
	config    Config
	publisher Publisher
	logger    *slog.Logger
}

func NewAnnouncer(config Config, publisher Publisher, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Prefix == "" {
		config.Prefix = "homeassistant"
	}
	return &Announcer{config: config, publisher: publisher, logger: logger}
}

func (a *Announcer) Topic() string {
	return fmt.Sprintf("%v/device/%v/config", a.config.Prefix, a.config.DeviceID)
}

// Announce publishes the retained config message. Called on every connection up.
func (a *Announcer) Announce(ctx context.Context) {
	payload, err := json.Marshal(a.Message())
	if err != nil {
		a.logger.Error("Discovery: marshal config failed", "err", err)
		return
	}
	a.publisher.Publish(ctx, a.Topic(), payload, a.config.QoS, true)
	a.logger.Info("Discovery: published config topic", "topic", a.Topic())
}

func (a *Announcer) Message() hass.DiscoveryMessage {
	message := hass.DiscoveryMessage{
		Device: hass.DeviceInfo{
			Identifiers:  []string{a.config.DeviceID},
			Name:         "Wattrouter",
			Manufacturer: "SOLAR controls",
			Model:        "WATTrouter",
		},
		Origin: hass.OriginInfo{
			Name:            "wattrouter-mqtt-gateway",
			SoftwareVersion: a.config.Version,
		},
		Components: make(map[string]hass.Component, len(entity.Fields())),
		QOS:        int(a.config.QoS),
	}
	if a.config.DeviceHost != "" {
		host := a.config.DeviceHost
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		message.Device.ConfigurationUrl = host
	}
	for _, field := range entity.Fields() {
		component := a.component(field)
		message.Components[component.Key] = component
	}
	return message
}

func (a *Announcer) component(field entity.Field) hass.Component {
	key := strings.ToLower(strings.ReplaceAll(field.Path, "/", "_"))
	component := hass.Component{
		Key:        key,
		Platform:   "sensor",
		Name:       displayName(field),
		ObjectID:   fmt.Sprintf("%v_%v", a.config.DeviceID, key),
		UniqueID:   fmt.Sprintf("%v_%v", a.config.DeviceID, key),
		StateTopic: a.config.DeviceID + "/" + field.Path,
	}

	switch field.Kind {
	case entity.KindInputPower, entity.KindOutputPower, entity.KindTotalPower:
		component.DeviceClass = "power"
		component.StateClass = "measurement"
		component.UnitOfMeasurement = "kW"
	case entity.KindInputEnergy:
		component.DeviceClass = "energy"
		component.StateClass = "total_increasing"
		component.UnitOfMeasurement = "kWh"
	case entity.KindOutputHours:
		component.DeviceClass = "duration"
		component.StateClass = "total_increasing"
		component.UnitOfMeasurement = "h"
	case entity.KindTemperature:
		component.DeviceClass = "temperature"
		component.StateClass = "measurement"
		component.UnitOfMeasurement = "°C"
	case entity.KindVoltage:
		component.DeviceClass = "voltage"
		component.StateClass = "measurement"
		component.UnitOfMeasurement = "V"
	case entity.KindFlag:
		component.Platform = "binary_sensor"
		component.DeviceClass = "problem"
		component.EntityCategory = "diagnostic"
		component.PayloadOn = "1"
		component.PayloadOff = "0"
	case entity.KindOutputTest:
		component.Platform = "switch"
		component.CommandTopic = component.StateTopic + "/set"
		component.PayloadOn = "1"
		component.PayloadOff = "0"
		component.StateOn = "1"
		component.StateOff = "0"
	}
	return component
}

func displayName(field entity.Field) string {
	switch field.Kind {
	case entity.KindInputPower:
		return fmt.Sprintf("Input %d power", field.Index)
	case entity.KindInputEnergy:
		return fmt.Sprintf("Input %d energy", field.Index)
	case entity.KindOutputPower:
		return fmt.Sprintf("Output %d power", field.Index)
	case entity.KindOutputHours:
		return fmt.Sprintf("Output %d hours", field.Index)
	case entity.KindOutputTest:
		return fmt.Sprintf("Output %d test", field.Index)
	case entity.KindTemperature:
		return fmt.Sprintf("Temperature %d", field.Index)
	}
	return field.Path
}
