package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/broker"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/command"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/device"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/discovery"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/mapper"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/poller"
)

const (
	supervisorTick  = time.Second
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Logger  *slog.Logger
	Version string
	// SessionFactory overrides the broker session selected by broker.type.
	SessionFactory broker.SessionFactory
}

// App wires the device, the broker link, the poller and the command router together.
type App struct {
	config    *entity.Config
	logger    *slog.Logger
	link      *broker.Link
	device    *device.Client
	router    *command.Router
	poller    *poller.Poller
	announcer *discovery.Announcer

	now func() time.Time
}

// New validates config and builds every component. Nothing touches the network yet.
func New(config *entity.Config, options Options) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qos := byte(config.Broker.QoS)

	app := &App{config: config, logger: logger, now: time.Now}

	app.device = device.NewClient(device.ClientConfig{
		Host:     config.Device.Host,
		Timeout:  config.Device.RequestTimeout(),
		Username: config.Device.Username,
		Password: config.Device.Password,
		Logger:   logger,
	})
	app.router = command.NewRouter(config.Device.ID, qos, app.device, nil, logger)

	newSession := options.SessionFactory
	if newSession == nil {
		serverURL, err := broker.ParseServerURL(config.Broker.Host)
		if err != nil {
			return nil, fmt.Errorf("Bridge: %w", err)
		}
		newSession, err = broker.NewSessionFactory(config.Broker.Type, broker.SessionConfig{
			ServerURL: serverURL,
			ClientID:  config.Device.ID,
			Username:  config.Broker.Username,
			Password:  config.Broker.Password,
			Keepalive: config.Broker.Keepalive,
			Backoff:   broker.CappedBackoff(time.Duration(config.Broker.MaxBackoff) * time.Second),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("Bridge: %w", err)
		}
	}

	subscriptions := make([]broker.Subscription, 0, entity.OutputCount)
	for _, topic := range app.router.Topics() {
		subscriptions = append(subscriptions, broker.Subscription{Topic: topic, QoS: qos})
	}

	link, err := broker.NewLink(broker.LinkConfig{
		DisconnectDelay: time.Duration(config.Broker.DisconnectDelay) * time.Second,
		MaxBackoff:      time.Duration(config.Broker.MaxBackoff) * time.Second,
		Subscriptions:   subscriptions,
		Handler:         app.router,
		OnConnected:     app.onConnected,
		Logger:          logger,
	}, newSession)
	if err != nil {
		return nil, err
	}
	app.link = link
	app.router.SetPublisher(link)

	if config.Discovery.Enabled {
		app.announcer = discovery.NewAnnouncer(discovery.Config{
			Prefix:     config.Discovery.Prefix,
			DeviceID:   config.Device.ID,
			DeviceHost: config.Device.Host,
			QoS:        qos,
			Version:    options.Version,
		}, link, logger)
	}

	app.poller = poller.New(poller.Config{
		DeviceID:  config.Device.ID,
		Interval:  config.Device.PollInterval(),
		Penalty:   config.Device.PenaltyDelay(),
		Heartbeat: time.Duration(config.Heartbeat.Device) * time.Second,
		Defaults:  mapper.Defaults{QoS: qos},
		Logger:    logger,
	}, app.device, link)

	return app, nil
}

// Link exposes the broker link, mainly for status reporting.
func (app *App) Link() *broker.Link {
	return app.link
}

// Run blocks until ctx is done, then stops the poller, disconnects from the broker
// and stops the link, in that order.
func (app *App) Run(ctx context.Context) error {
	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		app.link.Run(linkCtx)
	}()
	app.link.Connect()

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		app.poller.Run(pollCtx)
	}()

	app.logger.Info("Bridge: started", "device", app.config.Device.Host, "broker", app.config.Broker.Host, "id", app.config.Device.ID)
	app.supervise(ctx)
	app.logger.Info("Bridge: shutting down")

	stopPoll()
	<-pollDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.link.Disconnect(shutdownCtx)

	stopLink()
	<-linkDone
	app.logger.Info("Bridge: stopped")
	return nil
}

func (app *App) supervise(ctx context.Context) {
	heartbeat := time.Duration(app.config.Heartbeat.App) * time.Second
	var lastHeartbeat time.Time

	ticker := time.NewTicker(supervisorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now := app.now(); now.Sub(lastHeartbeat) >= heartbeat {
				lastHeartbeat = now
				app.logger.Info("Bridge: alive", "broker", app.link.State().String(), "attempts", app.link.Attempts())
			}
			app.link.Tick()
		}
	}
}

func (app *App) onConnected(ctx context.Context) {
	if app.announcer != nil {
		app.announcer.Announce(ctx)
	}
}
