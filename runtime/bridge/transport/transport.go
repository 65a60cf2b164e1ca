// Package transport maintains the bridge's WebSocket session to the
// orchestration platform: one live connection at most, a registration
// handshake on every connect, periodic heartbeats, and exponential-backoff
// reconnection. Downstream frames are delivered to a single subscriber;
// upstream frames may be sent from any goroutine.
//
// Close codes 4001 (replaced) and 4002 (token_revoked) are terminal: the
// transport raises the corresponding lifecycle event and stops reconnecting.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// Handshake and keepalive timings.
const (
	registrationTimeout = 15 * time.Second
	heartbeatInterval   = 20 * time.Second
	writeTimeout        = 10 * time.Second
	reconnectInitial    = 1 * time.Second
	reconnectMax        = 30 * time.Second
)

// Event is a transport lifecycle notification.
type Event string

const (
	// EventConnected fires after the first successful registration.
	EventConnected Event = "connected"
	// EventDisconnected fires when an established connection drops.
	EventDisconnected Event = "disconnected"
	// EventReconnected fires after a successful re-registration. Consumers
	// must treat all prior in-flight requests as lost.
	EventReconnected Event = "reconnected"
	// EventReplaced fires on close code 4001. Terminal.
	EventReplaced Event = "replaced"
	// EventTokenRevoked fires on close code 4002. Terminal.
	EventTokenRevoked Event = "token_revoked"
	// EventClosed fires after an intentional Close.
	EventClosed Event = "closed"
)

// Registration failure sentinels.
var (
	// ErrRegistrationTimeout reports no registered frame within the wait.
	ErrRegistrationTimeout = errors.New("transport: registration timeout")
	// ErrNotConnected reports a Send with no live connection.
	ErrNotConnected = errors.New("transport: not connected")
)

type (
	// Options configures a Transport.
	Options struct {
		// URL is the platform WebSocket endpoint.
		URL string
		// AgentID identifies this bridge; appended as a URL query param and
		// carried in the register frame.
		AgentID string
		// Token authenticates the register frame.
		Token string
		// AdapterType and Capabilities describe the local assistant.
		AdapterType  string
		Capabilities []string
		// ActiveSessions supplies the heartbeat session count.
		ActiveSessions func() int
		// HeartbeatEvery overrides the heartbeat period. Zero means the
		// default of twenty seconds.
		HeartbeatEvery time.Duration
	}

	// Transport is the platform WebSocket client.
	Transport struct {
		opts    Options
		dialer  *websocket.Dialer
		onFrame func(ctx context.Context, frame any)
		onEvent func(ctx context.Context, ev Event, reason string)

		connMu sync.Mutex
		conn   *websocket.Conn
		// sendSuppressed throttles the send-while-closed log to once per
		// disconnect period.
		sendSuppressed bool

		started  time.Time
		stopOnce sync.Once
		stop     chan struct{}
		done     chan struct{}
	}
)

// New returns an unstarted Transport. Subscribe and SubscribeLifecycle must
// be called before Start.
func New(opts Options) *Transport {
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = heartbeatInterval
	}
	return &Transport{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe installs the single downstream frame subscriber, replacing any
// previous one.
func (t *Transport) Subscribe(fn func(ctx context.Context, frame any)) {
	t.onFrame = fn
}

// SubscribeLifecycle installs the lifecycle event subscriber, replacing any
// previous one.
func (t *Transport) SubscribeLifecycle(fn func(ctx context.Context, ev Event, reason string)) {
	t.onEvent = fn
}

// Start connects and registers, then keeps the session alive in a background
// goroutine until Close or a terminal close code. The initial registration is
// synchronous: Start fails when the first handshake fails.
func (t *Transport) Start(ctx context.Context) error {
	t.started = time.Now()
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	t.setConn(conn)
	t.emit(ctx, EventConnected, "")
	go t.run(ctx, conn)
	return nil
}

// Close shuts the connection down intentionally: no reconnect follows.
func (t *Transport) Close(ctx context.Context) {
	t.stopOnce.Do(func() { close(t.stop) })
	t.connMu.Lock()
	if t.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
	select {
	case <-t.done:
	case <-time.After(writeTimeout):
	}
	t.emit(ctx, EventClosed, "")
}

// Send writes an upstream frame. On a closed socket it is a no-op; the
// condition is logged at most once per disconnect period.
func (t *Transport) Send(ctx context.Context, frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		if !t.sendSuppressed {
			t.sendSuppressed = true
			log.Printf(ctx, "transport: dropping frames while disconnected")
		}
		return nil
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	_ = t.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// run services one connection after another until stop or a terminal close.
func (t *Transport) run(ctx context.Context, conn *websocket.Conn) {
	defer close(t.done)
	for {
		terminal := t.serve(ctx, conn)
		t.clearConn()
		if terminal {
			return
		}
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		t.emit(ctx, EventDisconnected, "")

		next, ok := t.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
		t.setConn(conn)
		t.emit(ctx, EventReconnected, "")
	}
}

// newReconnectPolicy builds the reconnect schedule: delays start at one
// second and double up to the thirty second cap. Jitter is disabled; the
// first delay is always the full second.
func newReconnectPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitial
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = reconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// reconnect dials on the reconnect schedule until a connection registers.
// It returns ok=false on stop/cancel.
func (t *Transport) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	policy := newReconnectPolicy()
	for {
		wait := policy.NextBackOff()
		log.Printf(ctx, "transport: reconnecting in %v", wait)
		select {
		case <-t.stop:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(wait):
		}
		conn, err := t.connect(ctx)
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && t.terminalClose(ctx, ce.Code, ce.Text) {
				return nil, false
			}
			log.Errorf(ctx, err, "transport: reconnect attempt failed")
			continue
		}
		return conn, true
	}
}

// connect dials the platform and performs the registration handshake.
func (t *Transport) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", t.opts.AgentID)
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	if err := t.register(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// register sends the register frame and waits for registered.
func (t *Transport) register(ctx context.Context, conn *websocket.Conn) error {
	frame := protocol.NewRegister(t.opts.AgentID, t.opts.Token, t.opts.AdapterType, t.opts.Capabilities)
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: send register: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, resp, err := conn.ReadMessage()
	if err != nil {
		if netTimeout(err) {
			return ErrRegistrationTimeout
		}
		return fmt.Errorf("transport: read registered: %w", err)
	}
	decoded, tag, err := protocol.Decode(resp)
	if err != nil {
		return fmt.Errorf("transport: registration response: %w", err)
	}
	if tag != protocol.TypeRegistered {
		return fmt.Errorf("transport: expected registered frame, got %q", tag)
	}
	reg := decoded.(protocol.Registered)
	if reg.Status != "ok" {
		return fmt.Errorf("transport: registration rejected: %s", reg.Reason)
	}
	log.Printf(ctx, "transport: registered agent %s (protocol v%d)", t.opts.AgentID, protocol.Version)
	return nil
}

// serve reads downstream frames and runs the heartbeat until the connection
// fails. It returns true when the close was terminal (intentional stop or a
// terminal close code).
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) bool {
	hbStop := make(chan struct{})
	defer close(hbStop)
	go t.heartbeat(ctx, conn, hbStop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stop:
				return true
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && t.terminalClose(ctx, ce.Code, ce.Text) {
				return true
			}
			log.Printf(ctx, "transport: connection lost: %v", err)
			return false
		}
		frame, tag, err := protocol.Decode(data)
		if err != nil {
			var unknown *protocol.ErrUnknownType
			if errors.As(err, &unknown) {
				log.Printf(ctx, "transport: ignoring unknown frame type %q", unknown.Tag)
				continue
			}
			log.Errorf(ctx, err, "transport: dropping malformed frame")
			continue
		}
		if tag == protocol.TypeRegistered {
			// Late duplicate of the handshake response; nothing to route.
			continue
		}
		if t.onFrame != nil {
			t.onFrame(ctx, frame)
		}
	}
}

// heartbeat sends the heartbeat frame and a websocket ping every interval.
// The frame doubles as a keepalive through intermediaries that drop idle
// connections.
func (t *Transport) heartbeat(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.stop:
			return
		case <-ticker.C:
		}
		active := 0
		if t.opts.ActiveSessions != nil {
			active = t.opts.ActiveSessions()
		}
		hb := protocol.Heartbeat{
			Type:           protocol.TypeHeartbeat,
			ActiveSessions: active,
			UptimeMS:       time.Since(t.started).Milliseconds(),
		}
		if err := t.Send(ctx, hb); err != nil {
			log.Errorf(ctx, err, "transport: heartbeat")
			return
		}
		t.connMu.Lock()
		if t.conn == conn && t.conn != nil {
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		}
		t.connMu.Unlock()
	}
}

// terminalClose maps terminal close codes onto lifecycle events.
func (t *Transport) terminalClose(ctx context.Context, code int, text string) bool {
	switch code {
	case protocol.CloseReplaced:
		log.Printf(ctx, "transport: replaced by another bridge registration")
		t.emit(ctx, EventReplaced, text)
		return true
	case protocol.CloseTokenRevoked:
		log.Printf(ctx, "transport: platform token revoked")
		t.emit(ctx, EventTokenRevoked, text)
		return true
	}
	return false
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	t.conn = conn
	t.sendSuppressed = false
	t.connMu.Unlock()
}

func (t *Transport) clearConn() {
	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
}

func (t *Transport) emit(ctx context.Context, ev Event, reason string) {
	if t.onEvent != nil {
		t.onEvent(ctx, ev, reason)
	}
}

// netTimeout reports deadline-exceeded read errors.
func netTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}
