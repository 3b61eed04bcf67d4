package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const operationTimeout = 10 * time.Second

// autopahoSession speaks MQTT v5 through an autopaho connection manager. The manager
// redials on its own, so Connect only reports the current state back to the Link once
// the manager exists.
type autopahoSession struct {
	config SessionConfig
	events Events
	logger *slog.Logger
	router *paho.StandardRouter

	mu      sync.Mutex
	manager *autopaho.ConnectionManager
	cancel  context.CancelFunc
	up      atomic.Bool
}

func newAutopahoSession(config SessionConfig, events Events) *autopahoSession {
	s := &autopahoSession{
		config: config,
		events: events,
		logger: config.Logger,
		router: paho.NewStandardRouter(),
	}
	s.router.DefaultHandler(s.dispatch)
	return s
}

// dispatch hands a message to the link without holding up the packet reader;
// command handlers may block on the device for a full request timeout.
func (s *autopahoSession) dispatch(publish *paho.Publish) {
	go s.events.OnMessage(publish.Topic, publish.Payload)
}

// serverDisconnectCode never reports success: a DISCONNECT the broker sends is
// always unexpected from the link's point of view.
func serverDisconnectCode(d *paho.Disconnect) byte {
	if d == nil || d.ReasonCode == CodeSuccess {
		return CodeUnspecified
	}
	return d.ReasonCode
}

func (s *autopahoSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager != nil {
		if s.up.Load() {
			go s.events.OnConnect(CodeSuccess)
		}
		return nil
	}

	clientConfig := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{s.config.ServerURL},
		KeepAlive:       s.config.Keepalive,
		ConnectUsername: s.config.Username,
		ConnectPassword: []byte(s.config.Password),
		// Keep the broker side session so QoS 1 commands survive a short outage.
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			s.up.Store(true)
			s.events.OnConnect(CodeSuccess)
		},
		OnConnectError: func(err error) {
			s.logger.Debug("Broker.Autopaho: connect failed", "err", err)
			s.events.OnConnect(CodeUnspecified)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.config.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(publishReceived paho.PublishReceived) (bool, error) {
					s.router.Route(publishReceived.Packet.Packet())
					return true, nil
				}},
			OnClientError: func(err error) {
				s.logger.Warn("Broker.Autopaho: client error", "err", err)
				s.up.Store(false)
				s.events.OnDisconnect(CodeUnspecified)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil && d.Properties.ReasonString != "" {
					s.logger.Warn("Broker.Autopaho: server requested disconnect", "reason", d.Properties.ReasonString)
				}
				s.up.Store(false)
				s.events.OnDisconnect(serverDisconnectCode(d))
			},
		},
	}
	if s.config.Backoff != nil {
		backoff := s.config.Backoff
		clientConfig.ReconnectBackoff = func(attempt int) time.Duration {
			return backoff(attempt)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager, err := autopaho.NewConnection(ctx, clientConfig)
	if err != nil {
		cancel()
		return fmt.Errorf("Broker.Autopaho: NewConnection failed, %w", err)
	}
	s.manager = manager
	s.cancel = cancel
	s.logger.Info("Broker.Autopaho: initialized", "server", s.config.ServerURL.String())
	return nil
}

func (s *autopahoSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	manager, cancel := s.manager, s.cancel
	s.manager, s.cancel = nil, nil
	s.mu.Unlock()

	if manager == nil {
		return nil
	}
	s.up.Store(false)
	defer cancel()
	if err := manager.Disconnect(ctx); err != nil {
		return fmt.Errorf("Broker.Autopaho: disconnect failed, %w", err)
	}
	return nil
}

func (s *autopahoSession) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()
	if manager == nil {
		s.events.OnPublish(topic, ErrNotConnected)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), operationTimeout)
		defer cancel()
		_, err := manager.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		})
		s.events.OnPublish(topic, err)
	}()
}

func (s *autopahoSession) Subscribe(ctx context.Context, topic string, qos byte) error {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()
	if manager == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if _, err := manager.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: qos},
		},
	}); err != nil {
		return fmt.Errorf("Broker.Autopaho: subscribe %v failed, %w", topic, err)
	}
	return nil
}
