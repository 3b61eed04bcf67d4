package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/telemetry"
	"github.com/qmuntal/stateless"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ReconnectBackoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReconnectBackoff:
		return "reconnect_backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	triggerConnect    = "connect"
	triggerConnAck    = "connack"
	triggerConnFail   = "connfail"
	triggerLost       = "lost"
	triggerDisconnect = "disconnect"
)

// Handler receives every inbound message. It reports whether the topic was understood.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) bool
}

type Subscription struct {
	Topic string
	QoS   byte
}

type LinkConfig struct {
	// DisconnectDelay is the flat wait after an unexpected disconnect.
	DisconnectDelay time.Duration
	// MaxBackoff caps the exponential wait after a refused connect.
	MaxBackoff    time.Duration
	Subscriptions []Subscription
	Handler       Handler
	// OnConnected runs on the link goroutine each time the session comes up.
	OnConnected func(ctx context.Context)
	Logger      *slog.Logger
	Now         func() time.Time
}

type event interface{}

type (
	connectRequest    struct{}
	tickRequest       struct{}
	connackEvent      struct{ code byte }
	lostEvent         struct{ code byte }
	disconnectRequest struct{ done chan struct{} }
)

// Link owns the MQTT session and its connection state. The state machine, the
// reconnect policy and the retry deadline are touched only by the goroutine running
// Run; everything else talks to it through the events channel and reads State().
type Link struct {
	config  LinkConfig
	session Session
	logger  *slog.Logger

	machine *stateless.StateMachine
	policy  ReconnectPolicy
	retryAt time.Time

	state    atomic.Int32
	attempts atomic.Int32
	events   chan event
	done     chan struct{}

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

func NewLink(config LinkConfig, newSession SessionFactory) (*Link, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.DisconnectDelay <= 0 {
		config.DisconnectDelay = 10 * time.Second
	}
	if config.MaxBackoff <= 0 || config.MaxBackoff > BackoffDelay(MaxAttempts) {
		config.MaxBackoff = BackoffDelay(MaxAttempts)
	}

	l := &Link{
		config: config,
		logger: config.Logger,
		events: make(chan event, 32),
		done:   make(chan struct{}),
	}
	l.handlerCtx, l.handlerCancel = context.WithCancel(context.Background())

	session, err := newSession(l)
	if err != nil {
		return nil, fmt.Errorf("Broker: create session failed, %w", err)
	}
	l.session = session

	l.machine = stateless.NewStateMachine(Disconnected)
	l.machine.Configure(Disconnected).
		Permit(triggerConnect, Connecting).
		Ignore(triggerLost).
		Ignore(triggerDisconnect)
	l.machine.Configure(Connecting).
		Permit(triggerConnAck, Connected).
		Permit(triggerConnFail, ReconnectBackoff).
		Permit(triggerLost, ReconnectBackoff).
		Permit(triggerDisconnect, Disconnected)
	l.machine.Configure(Connected).
		Permit(triggerLost, ReconnectBackoff).
		Permit(triggerDisconnect, Disconnected)
	l.machine.Configure(ReconnectBackoff).
		Permit(triggerConnect, Connecting).
		Permit(triggerConnAck, Connected).
		Permit(triggerDisconnect, Disconnected).
		Ignore(triggerLost)

	return l, nil
}

// State may be called from any goroutine.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Attempts is the current value of the reconnect attempt counter.
func (l *Link) Attempts() int {
	return int(l.attempts.Load())
}

// Run processes link events until ctx is done. It is the only writer of the connection state.
func (l *Link) Run(ctx context.Context) {
	defer close(l.done)
	defer l.handlerCancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

// Connect requests the initial connection attempt.
func (l *Link) Connect() {
	l.post(connectRequest{})
}

// Tick asks for a reconnect attempt. It is ignored unless the link is in backoff
// and the backoff delay has elapsed, so it may be called as often as convenient.
func (l *Link) Tick() {
	select {
	case l.events <- tickRequest{}:
	default:
	}
}

// Disconnect closes the session and stops reconnecting. It waits until the link
// goroutine has processed the request or ctx is done.
func (l *Link) Disconnect(ctx context.Context) {
	done := make(chan struct{})
	select {
	case l.events <- disconnectRequest{done: done}:
	case <-l.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-l.done:
	case <-ctx.Done():
	}
}

// Publish hands a message to the session without waiting for delivery. Messages
// published while the link is not connected are dropped.
func (l *Link) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) {
	if l.State() != Connected {
		l.logger.Debug("Broker: not connected, message dropped", "topic", topic)
		telemetry.Dropped()
		return
	}
	l.logger.Debug("Broker: publish", "topic", topic, "payload", string(payload))
	l.session.Publish(ctx, topic, payload, qos, retain)
}

func (l *Link) OnConnect(code byte) {
	l.post(connackEvent{code: code})
}

func (l *Link) OnDisconnect(code byte) {
	l.post(lostEvent{code: code})
}

func (l *Link) OnPublish(topic string, err error) {
	if err != nil {
		l.logger.Warn("Broker: publish failed", "topic", topic, "err", err)
		telemetry.Published(false)
		return
	}
	telemetry.Published(true)
}

func (l *Link) OnMessage(topic string, payload []byte) {
	l.logger.Debug("Broker: message received", "topic", topic, "payload", string(payload))
	if l.config.Handler == nil || !l.config.Handler.Handle(l.handlerCtx, topic, payload) {
		l.logger.Debug("Broker: message not handled", "topic", topic)
	}
}

func (l *Link) post(ev event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *Link) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case connectRequest:
		l.startConnect(ctx)
	case tickRequest:
		if l.State() != ReconnectBackoff {
			return
		}
		if l.config.Now().Before(l.retryAt) {
			return
		}
		l.logger.Warn("Broker: reconnecting", "attempts", l.policy.Attempts())
		l.startConnect(ctx)
	case connackEvent:
		l.handleConnack(ctx, e.code)
	case lostEvent:
		l.handleLost(e.code)
	case disconnectRequest:
		l.handleDisconnect(ctx)
		close(e.done)
	}
}

func (l *Link) startConnect(ctx context.Context) {
	state := l.State()
	if state != Disconnected && state != ReconnectBackoff {
		return
	}
	l.fire(ctx, triggerConnect)
	if err := l.session.Connect(ctx); err != nil {
		l.logger.Error("Broker: connect failed to start", "err", err)
		l.handleConnack(ctx, CodeUnspecified)
	}
}

func (l *Link) handleConnack(ctx context.Context, code byte) {
	// A session that redials on its own may come up while the link is still waiting.
	state := l.State()
	if state != Connecting && (state != ReconnectBackoff || code != CodeSuccess) {
		l.logger.Debug("Broker: unexpected connack ignored", "reasonCode", code, "state", state)
		return
	}

	if code != CodeSuccess {
		delay := l.policy.Failure()
		l.attempts.Store(int32(l.policy.Attempts()))
		wait := min(delay, l.config.MaxBackoff)
		l.retryAt = l.config.Now().Add(wait)
		l.fire(ctx, triggerConnFail)
		telemetry.Connect(false)
		l.logger.Error("Broker: connection refused", "reasonCode", code, "attempts", l.policy.Attempts(), "retryIn", wait)
		return
	}

	l.policy.Reset()
	l.attempts.Store(0)
	l.fire(ctx, triggerConnAck)
	telemetry.Connect(true)
	l.logger.Info("Broker: connected to server")

	for _, subscription := range l.config.Subscriptions {
		if err := l.session.Subscribe(ctx, subscription.Topic, subscription.QoS); err != nil {
			l.logger.Error("Broker: subscribe failed", "topic", subscription.Topic, "err", err)
			continue
		}
		l.logger.Info("Broker: subscribed to", "topic", subscription.Topic)
	}
	if l.config.OnConnected != nil {
		l.config.OnConnected(ctx)
	}
}

func (l *Link) handleLost(code byte) {
	state := l.State()
	if state != Connected && state != Connecting {
		return
	}
	if code == CodeSuccess {
		l.fire(context.Background(), triggerDisconnect)
		l.logger.Info("Broker: disconnected", "reasonCode", code)
		return
	}

	l.retryAt = l.config.Now().Add(l.config.DisconnectDelay)
	l.fire(context.Background(), triggerLost)
	telemetry.Disconnect()
	l.logger.Error("Broker: unexpected disconnection", "reasonCode", code, "retryIn", l.config.DisconnectDelay)
}

// handleDisconnect always closes the session, so a backend that is still redialing stops too.
func (l *Link) handleDisconnect(ctx context.Context) {
	if err := l.session.Disconnect(ctx); err != nil {
		l.logger.Warn("Broker: disconnect failed", "err", err)
	}
	l.fire(ctx, triggerDisconnect)
	l.logger.Info("Broker: stopped")
}

func (l *Link) fire(ctx context.Context, trigger string) {
	if err := l.machine.FireCtx(ctx, trigger); err != nil {
		l.logger.Error("Broker: invalid transition", "trigger", trigger, "state", l.State(), "err", err)
		return
	}
	state := l.machine.MustState().(State)
	l.state.Store(int32(state))
	telemetry.ConnectionState(int(state))
}
