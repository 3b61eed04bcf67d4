package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/broker"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/mapper"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/telemetry"
)

type StatusFetcher interface {
	FetchStatus(ctx context.Context) (entity.Snapshot, error)
}

// Publisher is the part of the broker link the poller needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool)
	State() broker.State
	Tick()
}

type Config struct {
	DeviceID  string
	Interval  time.Duration
	Penalty   time.Duration
	Heartbeat time.Duration
	Defaults  mapper.Defaults
	Logger    *slog.Logger
}

type Poller struct {
	config    Config
	fetcher   StatusFetcher
	publisher Publisher
	logger    *slog.Logger

	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) bool
	lastHeartbeat time.Time // zero, so the first cycle logs one heartbeat
}

func New(config Config, fetcher StatusFetcher, publisher Publisher) *Poller {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Penalty <= 0 {
		config.Penalty = 300 * time.Second
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = 900 * time.Second
	}
	return &Poller{
		config:    config,
		fetcher:   fetcher,
		publisher: publisher,
		logger:    config.Logger,
		now:       time.Now,
		sleep:     sleepInSteps,
	}
}

// Run repeats poll cycles until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Poller: started", "interval", p.config.Interval)
	for {
		delay := p.Cycle(ctx)
		if !p.sleep(ctx, delay) {
			p.logger.Info("Poller: stopped")
			return
		}
	}
}

// Cycle runs one fetch-map-publish round and returns how long to wait before the next one.
func (p *Poller) Cycle(ctx context.Context) time.Duration {
	if now := p.now(); now.Sub(p.lastHeartbeat) >= p.config.Heartbeat {
		p.lastHeartbeat = now
		p.logger.Info("Poller: alive", "broker", p.publisher.State().String())
	}
	if p.publisher.State() == broker.ReconnectBackoff {
		p.publisher.Tick()
	}

	snapshot, err := p.fetcher.FetchStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		telemetry.Poll(false)
		p.logger.Error("Poller: fetch status failed", "err", err, "retryIn", p.config.Penalty)
		return p.config.Penalty
	}
	telemetry.Poll(true)

	for _, instruction := range mapper.Map(snapshot, p.config.Defaults) {
		topic := p.config.DeviceID + "/" + instruction.Suffix()
		p.publisher.Publish(ctx, topic, []byte(instruction.Value), instruction.QoS, instruction.Retain)
		telemetry.FieldValue(instruction.Field, instruction.Value)
		if level, message, ok := mapper.Severity(instruction); ok {
			p.logger.Log(ctx, level, message, "field", instruction.Field.Path, "value", instruction.Value)
		}
	}
	return p.config.Interval
}

// sleepInSteps waits d in one second steps and reports false once ctx is done.
func sleepInSteps(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		step := min(d, time.Second)
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		d -= step
	}
	return ctx.Err() == nil
}
