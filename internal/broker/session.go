package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	ErrUnknownSessionType = errors.New("unknown session type")
	ErrNotConnected       = errors.New("not connected")
)

// Reason codes reported through Events. Zero is success or a requested disconnect;
// anything else is treated as a failure.
const (
	CodeSuccess     byte = 0x00
	CodeUnspecified byte = 0x80
)

// Session is the MQTT transport seen by the Link. Connect only starts an attempt;
// its outcome arrives through Events.OnConnect. Publish never waits for an ack.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool)
	Subscribe(ctx context.Context, topic string, qos byte) error
}

// Events is implemented by the Link and registered once when a session is built.
type Events interface {
	OnConnect(code byte)
	OnDisconnect(code byte)
	OnPublish(topic string, err error)
	OnMessage(topic string, payload []byte)
}

type SessionConfig struct {
	ServerURL *url.URL
	ClientID  string
	Username  string
	Password  string
	Keepalive uint16
	// Backoff is used by sessions that schedule their own reconnects.
	Backoff func(attempt int) time.Duration
	Logger  *slog.Logger
}

// SessionFactory builds a session bound to the given event sink.
type SessionFactory func(events Events) (Session, error)

// NewSessionFactory selects a session implementation by name.
func NewSessionFactory(kind string, config SessionConfig) (SessionFactory, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	switch kind {
	case "autopaho":
		return func(events Events) (Session, error) {
			return newAutopahoSession(config, events), nil
		}, nil
	case "paho":
		return func(events Events) (Session, error) {
			return newPahoSession(config, events), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w %v", ErrUnknownSessionType, kind)
	}
}

// ParseServerURL accepts "host", "host:port" or a full broker URL.
func ParseServerURL(host string) (*url.URL, error) {
	if host == "" {
		return nil, errors.New("broker host is empty")
	}
	if !strings.Contains(host, "://") {
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "1883")
		}
		host = "tcp://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse broker url failed: %v, %w", host, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("broker url has no host: %v", host)
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "ssl", "tls", "mqtts":
			u.Host = net.JoinHostPort(u.Hostname(), "8883")
		case "tcp", "mqtt":
			u.Host = net.JoinHostPort(u.Hostname(), "1883")
		}
	}
	return u, nil
}
