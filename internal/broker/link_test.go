package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type published struct {
	topic   string
	payload string
	qos     byte
	retain  bool
}

type fakeSession struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	subscribed  []Subscription
	published   []published
	connectErr  error
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *fakeSession) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

func (s *fakeSession) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, published{topic, string(payload), qos, retain})
}

func (s *fakeSession) Subscribe(_ context.Context, topic string, qos byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, Subscription{Topic: topic, QoS: qos})
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type recordingHandler struct {
	mu     sync.Mutex
	topics []string
	accept bool
}

func (h *recordingHandler) Handle(_ context.Context, topic string, _ []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	return h.accept
}

func newTestLink(t *testing.T, config LinkConfig) (*Link, *fakeSession, *fakeClock) {
	t.Helper()
	session := &fakeSession{}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	config.Now = clock.Now
	link, err := NewLink(config, func(Events) (Session, error) { return session, nil })
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	return link, session, clock
}

func TestLink_ConnectSuccess(t *testing.T) {
	connected := 0
	link, session, _ := newTestLink(t, LinkConfig{
		Subscriptions: []Subscription{{Topic: "wattrouter/O1/T/set", QoS: 1}},
		OnConnected:   func(context.Context) { connected++ },
	})
	ctx := context.Background()

	if link.State() != Disconnected {
		t.Fatalf("initial state = %v", link.State())
	}
	link.handle(ctx, connectRequest{})
	if link.State() != Connecting || session.connects != 1 {
		t.Fatalf("after connect state=%v connects=%d", link.State(), session.connects)
	}

	link.handle(ctx, connackEvent{code: CodeSuccess})
	if link.State() != Connected {
		t.Fatalf("after connack state = %v", link.State())
	}
	if len(session.subscribed) != 1 || session.subscribed[0].Topic != "wattrouter/O1/T/set" {
		t.Errorf("subscribed = %v", session.subscribed)
	}
	if connected != 1 {
		t.Errorf("OnConnected called %d times", connected)
	}
}

func TestLink_RefusedConnectBacksOffExponentially(t *testing.T) {
	link, session, clock := newTestLink(t, LinkConfig{MaxBackoff: time.Hour})
	ctx := context.Background()

	link.handle(ctx, connectRequest{})
	for n := 1; n <= 14; n++ {
		link.handle(ctx, connackEvent{code: 5})
		if link.State() != ReconnectBackoff {
			t.Fatalf("failure %d: state = %v", n, link.State())
		}
		exp := min(n, MaxAttempts)
		if link.Attempts() != exp {
			t.Fatalf("failure %d: attempts = %d, want %d", n, link.Attempts(), exp)
		}
		wantWait := min(BackoffDelay(exp), time.Hour)

		// Not yet due.
		clock.now = clock.now.Add(wantWait - time.Second)
		link.handle(ctx, tickRequest{})
		if link.State() != ReconnectBackoff {
			t.Fatalf("failure %d: reconnected before %v elapsed", n, wantWait)
		}

		clock.now = clock.now.Add(time.Second)
		link.handle(ctx, tickRequest{})
		if link.State() != Connecting {
			t.Fatalf("failure %d: tick did not reconnect, state = %v", n, link.State())
		}
	}
	if session.connects != 15 {
		t.Errorf("connects = %d, want 15", session.connects)
	}

	link.handle(ctx, connackEvent{code: CodeSuccess})
	if link.Attempts() != 0 {
		t.Errorf("attempts after success = %d, want 0", link.Attempts())
	}
}

func TestLink_MaxBackoffCapsWait(t *testing.T) {
	link, _, clock := newTestLink(t, LinkConfig{MaxBackoff: 5 * time.Second})
	ctx := context.Background()

	link.handle(ctx, connectRequest{})
	for i := 0; i < 4; i++ {
		link.handle(ctx, connackEvent{code: 4})
		clock.now = clock.now.Add(5 * time.Second)
		link.handle(ctx, tickRequest{})
	}
	if link.State() != Connecting {
		t.Errorf("state = %v, want connecting", link.State())
	}
	if link.Attempts() != 4 {
		t.Errorf("attempts = %d, want 4", link.Attempts())
	}
}

func TestLink_UnexpectedDisconnectUsesFlatDelay(t *testing.T) {
	link, session, clock := newTestLink(t, LinkConfig{DisconnectDelay: 10 * time.Second})
	ctx := context.Background()

	link.handle(ctx, connectRequest{})
	link.handle(ctx, connackEvent{code: CodeSuccess})
	link.handle(ctx, lostEvent{code: CodeUnspecified})
	if link.State() != ReconnectBackoff {
		t.Fatalf("state = %v", link.State())
	}
	if link.Attempts() != 0 {
		t.Errorf("attempts = %d, disconnect must not count as a refused connect", link.Attempts())
	}

	clock.now = clock.now.Add(9 * time.Second)
	link.handle(ctx, tickRequest{})
	if session.connects != 1 {
		t.Fatalf("reconnected too early")
	}
	clock.now = clock.now.Add(time.Second)
	link.handle(ctx, tickRequest{})
	if session.connects != 2 || link.State() != Connecting {
		t.Errorf("connects=%d state=%v", session.connects, link.State())
	}
}

func TestLink_GracefulDisconnectDoesNotRetry(t *testing.T) {
	link, session, clock := newTestLink(t, LinkConfig{})
	ctx := context.Background()

	link.handle(ctx, connectRequest{})
	link.handle(ctx, connackEvent{code: CodeSuccess})
	link.handle(ctx, lostEvent{code: CodeSuccess})
	if link.State() != Disconnected {
		t.Fatalf("state = %v", link.State())
	}
	clock.now = clock.now.Add(time.Hour)
	link.handle(ctx, tickRequest{})
	if session.connects != 1 {
		t.Errorf("connects = %d, want 1", session.connects)
	}
}

func TestLink_TickIgnoredUnlessBackoff(t *testing.T) {
	link, session, _ := newTestLink(t, LinkConfig{})
	ctx := context.Background()

	link.handle(ctx, tickRequest{})
	link.handle(ctx, connectRequest{})
	link.handle(ctx, tickRequest{})
	link.handle(ctx, connackEvent{code: CodeSuccess})
	link.handle(ctx, tickRequest{})
	if session.connects != 1 {
		t.Errorf("connects = %d, want 1", session.connects)
	}
}

func TestLink_ConnectStartErrorEntersBackoff(t *testing.T) {
	link, session, _ := newTestLink(t, LinkConfig{})
	session.connectErr = errors.New("dial failed")

	link.handle(context.Background(), connectRequest{})
	if link.State() != ReconnectBackoff {
		t.Errorf("state = %v, want reconnect_backoff", link.State())
	}
	if link.Attempts() != 1 {
		t.Errorf("attempts = %d", link.Attempts())
	}
}

func TestLink_StrayConnackIgnored(t *testing.T) {
	link, _, _ := newTestLink(t, LinkConfig{})
	link.handle(context.Background(), connackEvent{code: CodeSuccess})
	if link.State() != Disconnected {
		t.Errorf("state = %v", link.State())
	}
}

func TestLink_PublishOnlyWhenConnected(t *testing.T) {
	link, session, _ := newTestLink(t, LinkConfig{})
	ctx := context.Background()

	link.Publish(ctx, "wattrouter/PPS", []byte("1"), 1, false)
	if len(session.published) != 0 {
		t.Fatalf("published while disconnected: %v", session.published)
	}

	link.handle(ctx, connectRequest{})
	link.handle(ctx, connackEvent{code: CodeSuccess})
	link.Publish(ctx, "wattrouter/PPS", []byte("523"), 1, false)
	want := published{"wattrouter/PPS", "523", 1, false}
	if len(session.published) != 1 || session.published[0] != want {
		t.Errorf("published = %v, want [%v]", session.published, want)
	}
}

func TestLink_DisconnectRequest(t *testing.T) {
	link, session, _ := newTestLink(t, LinkConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	link.Connect()
	link.OnConnect(CodeSuccess)
	deadline := time.Now().Add(2 * time.Second)
	for link.State() != Connected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want connected", link.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	link.Disconnect(stopCtx)
	if link.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", link.State())
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", session.disconnects)
	}
}

func TestLink_OnMessageRoutesToHandler(t *testing.T) {
	handler := &recordingHandler{}
	link, _, _ := newTestLink(t, LinkConfig{Handler: handler})

	link.OnMessage("wattrouter/unknown", []byte("1"))
	link.OnMessage("wattrouter/O1/T/set", []byte("1"))
	if len(handler.topics) != 2 {
		t.Errorf("handler saw %v", handler.topics)
	}
}

func TestParseServerURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"localhost", "tcp://localhost:1883"},
		{"broker.lan:1884", "tcp://broker.lan:1884"},
		{"mqtt://broker.lan", "mqtt://broker.lan:1883"},
		{"ssl://broker.lan", "ssl://broker.lan:8883"},
		{"ws://broker.lan:9001/mqtt", "ws://broker.lan:9001/mqtt"},
	}
	for _, tt := range tests {
		u, err := ParseServerURL(tt.host)
		if err != nil {
			t.Errorf("ParseServerURL(%q): %v", tt.host, err)
			continue
		}
		if u.String() != tt.want {
			t.Errorf("ParseServerURL(%q) = %q, want %q", tt.host, u.String(), tt.want)
		}
	}
	if _, err := ParseServerURL(""); err == nil {
		t.Error("ParseServerURL(\"\") should fail")
	}
}

func TestNewSessionFactory_Unknown(t *testing.T) {
	_, err := NewSessionFactory("carrier-pigeon", SessionConfig{})
	if !errors.Is(err, ErrUnknownSessionType) {
		t.Errorf("error = %v, want ErrUnknownSessionType", err)
	}
}

func TestLink_DisconnectDuringBackoffClosesSession(t *testing.T) {
	for _, state := range []string{"backoff", "connecting"} {
		t.Run(state, func(t *testing.T) {
			link, session, _ := newTestLink(t, LinkConfig{})
			ctx := context.Background()

			link.handle(ctx, connectRequest{})
			if state == "backoff" {
				link.handle(ctx, connackEvent{code: 5})
				if link.State() != ReconnectBackoff {
					t.Fatalf("state = %v", link.State())
				}
			}

			done := make(chan struct{})
			link.handle(ctx, disconnectRequest{done: done})
			if link.State() != Disconnected {
				t.Errorf("state = %v, want disconnected", link.State())
			}
			if session.disconnects != 1 {
				t.Errorf("disconnects = %d, want 1", session.disconnects)
			}
		})
	}
}

func TestLink_SessionRedialDuringBackoff(t *testing.T) {
	link, session, _ := newTestLink(t, LinkConfig{
		Subscriptions: []Subscription{{Topic: "wattrouter/O1/T/set", QoS: 1}},
	})
	ctx := context.Background()

	link.handle(ctx, connectRequest{})
	link.handle(ctx, connackEvent{code: 5})
	link.handle(ctx, connackEvent{code: 5})
	if link.State() != ReconnectBackoff || link.Attempts() != 2 {
		t.Fatalf("state=%v attempts=%d", link.State(), link.Attempts())
	}

	// A failure reported while waiting does not count as another attempt.
	link.handle(ctx, connackEvent{code: CodeUnspecified})
	if link.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", link.Attempts())
	}

	link.handle(ctx, connackEvent{code: CodeSuccess})
	if link.State() != Connected {
		t.Fatalf("state = %v, want connected", link.State())
	}
	if link.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", link.Attempts())
	}
	if len(session.subscribed) != 1 {
		t.Errorf("subscribed = %v", session.subscribed)
	}

	link.Publish(ctx, "wattrouter/PPS", []byte("1"), 1, false)
	if len(session.published) != 1 {
		t.Errorf("publish dropped after redial: %v", session.published)
	}
}
