package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/device"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/telemetry"
)

const setSuffix = "/T/set"

type OutputController interface {
	SetOutputTest(ctx context.Context, output int, on bool) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool)
}

// Router turns {id}/O{n}/T/set messages into test-state control calls.
type Router struct {
	deviceID   string
	qos        byte
	controller OutputController
	publisher  Publisher
	logger     *slog.Logger
}

func NewRouter(deviceID string, qos byte, controller OutputController, publisher Publisher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		deviceID:   deviceID,
		qos:        qos,
		controller: controller,
		publisher:  publisher,
		logger:     logger,
	}
}

// SetPublisher replaces the publisher used for state republishes.
func (r *Router) SetPublisher(publisher Publisher) {
	r.publisher = publisher
}

// Topics lists the command topics to subscribe to.
func (r *Router) Topics() []string {
	topics := make([]string, 0, entity.OutputCount)
	for n := 1; n <= entity.OutputCount; n++ {
		topics = append(topics, r.commandTopic(n))
	}
	return topics
}

func (r *Router) Handle(ctx context.Context, topic string, payload []byte) bool {
	output, ok := r.match(topic)
	if !ok {
		return false
	}

	on := device.ParseBoolPayload(payload)
	logger := r.logger.With("command", uuid.NewString(), "output", output)
	logger.Info("Command: set output test", "on", on)

	value, err := r.controller.SetOutputTest(ctx, output, on)
	if err != nil {
		telemetry.Command(output, false)
		logger.Error("Command: set output test failed", "err", err)
		return true
	}
	telemetry.Command(output, true)

	stateTopic := r.deviceID + "/" + entity.OutputTestField(output).Path
	r.publisher.Publish(ctx, stateTopic, []byte(value), r.qos, false)
	logger.Debug("Command: state republished", "topic", stateTopic, "value", value)
	return true
}

func (r *Router) commandTopic(output int) string {
	return fmt.Sprintf("%s/O%d%s", r.deviceID, output, setSuffix)
}

// match extracts n from {id}/O{n}/T/set.
func (r *Router) match(topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, r.deviceID+"/O")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, setSuffix)
	if !ok || digits == "" {
		return 0, false
	}
	output, err := strconv.Atoi(digits)
	if err != nil || strconv.Itoa(output) != digits {
		return 0, false
	}
	if output < 1 || output > entity.OutputCount {
		return 0, false
	}
	return output, true
}
