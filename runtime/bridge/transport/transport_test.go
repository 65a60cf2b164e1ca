package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// fakePlatform accepts bridge connections, answers the registration handshake
// and exposes the accepted connections to the test.
type fakePlatform struct {
	srv    *httptest.Server
	reject bool

	mu        sync.Mutex
	registers []protocol.Register
	agentIDs  []string
	conns     chan *websocket.Conn
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// The register frame is upstream-only, so decode it directly.
		var reg protocol.Register
		if err := json.Unmarshal(data, &reg); err != nil || reg.Type != protocol.TypeRegister {
			conn.Close()
			return
		}
		p.mu.Lock()
		p.registers = append(p.registers, reg)
		p.agentIDs = append(p.agentIDs, r.URL.Query().Get("agent_id"))
		p.mu.Unlock()

		status, reason := "ok", ""
		if p.reject {
			status, reason = "error", "bad token"
		}
		resp, _ := protocol.Encode(protocol.Registered{Type: protocol.TypeRegistered, Status: status, Reason: reason})
		_ = conn.WriteMessage(websocket.TextMessage, resp)
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePlatform) registerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registers)
}

func testContext() context.Context {
	return log.Context(context.Background())
}

func newTestTransport(p *fakePlatform) *Transport {
	return New(Options{
		URL:            p.url(),
		AgentID:        "agent-1",
		Token:          "tok",
		AdapterType:    "claude",
		ActiveSessions: func() int { return 2 },
	})
}

func TestStartRegisters(t *testing.T) {
	p := newFakePlatform(t)
	tr := newTestTransport(p)
	ctx := testContext()

	var events []Event
	var mu sync.Mutex
	tr.SubscribeLifecycle(func(ctx context.Context, ev Event, reason string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, tr.Start(ctx))
	defer tr.Close(ctx)

	p.mu.Lock()
	require.Len(t, p.registers, 1)
	reg := p.registers[0]
	agentID := p.agentIDs[0]
	p.mu.Unlock()

	require.Equal(t, "agent-1", reg.AgentID)
	require.Equal(t, "tok", reg.Token)
	require.Equal(t, protocol.Version, reg.ProtocolVersion)
	require.Equal(t, "claude", reg.AdapterType)
	require.Equal(t, "agent-1", agentID)

	mu.Lock()
	require.Equal(t, []Event{EventConnected}, events)
	mu.Unlock()
}

func TestRegistrationRejected(t *testing.T) {
	p := newFakePlatform(t)
	p.reject = true
	tr := newTestTransport(p)

	err := tr.Start(testContext())
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad token")
}

func TestDownstreamFrameDelivery(t *testing.T) {
	p := newFakePlatform(t)
	tr := newTestTransport(p)
	ctx := testContext()

	frames := make(chan any, 4)
	tr.Subscribe(func(ctx context.Context, frame any) { frames <- frame })

	require.NoError(t, tr.Start(ctx))
	defer tr.Close(ctx)
	conn := <-p.conns

	// An unknown frame type is skipped without tearing the connection down.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telemetry"}`)))
	msg, _ := protocol.Encode(protocol.Message{
		Type: protocol.TypeMessage, SessionID: "s1", RequestID: "r1", Content: "hi",
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	select {
	case frame := <-frames:
		m, ok := frame.(protocol.Message)
		require.True(t, ok)
		require.Equal(t, "s1", m.SessionID)
		require.Equal(t, "hi", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message frame not delivered")
	}
}

func TestSendWhileDisconnectedIsNoop(t *testing.T) {
	tr := New(Options{URL: "ws://127.0.0.1:1/ws", AgentID: "a", Token: "t"})
	require.NoError(t, tr.Send(testContext(), protocol.NewChunk("s", "r", "x", protocol.KindText)))
}

func TestSendReachesPlatform(t *testing.T) {
	p := newFakePlatform(t)
	tr := newTestTransport(p)
	ctx := testContext()

	require.NoError(t, tr.Start(ctx))
	defer tr.Close(ctx)
	conn := <-p.conns

	require.NoError(t, tr.Send(ctx, protocol.NewChunk("s1", "r1", "delta", protocol.KindText)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"delta":"delta"`)
}

func TestReplacedCloseIsTerminal(t *testing.T) {
	p := newFakePlatform(t)
	tr := newTestTransport(p)
	ctx := testContext()

	events := make(chan Event, 8)
	tr.SubscribeLifecycle(func(ctx context.Context, ev Event, reason string) { events <- ev })

	require.NoError(t, tr.Start(ctx))
	conn := <-p.conns

	msg := websocket.FormatCloseMessage(protocol.CloseReplaced, "replaced")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	conn.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev == EventReplaced {
				// No reconnect may follow a terminal close.
				time.Sleep(100 * time.Millisecond)
				require.Equal(t, 1, p.registerCount())
				return
			}
		case <-deadline:
			t.Fatal("replaced event not raised")
		}
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	policy := newReconnectPolicy()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, delay := range want {
		require.Equal(t, delay, policy.NextBackOff(), "delay %d", i+1)
	}
}

func TestHeartbeatFrameAndPing(t *testing.T) {
	p := newFakePlatform(t)
	tr := New(Options{
		URL:            p.url(),
		AgentID:        "agent-1",
		Token:          "tok",
		AdapterType:    "claude",
		HeartbeatEvery: 20 * time.Millisecond,
		ActiveSessions: func() int { return 3 },
	})
	ctx := testContext()

	require.NoError(t, tr.Start(ctx))
	defer tr.Close(ctx)
	conn := <-p.conns

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The heartbeat frame is upstream-only, so decode it directly.
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var hb protocol.Heartbeat
	require.NoError(t, json.Unmarshal(data, &hb))
	require.Equal(t, protocol.TypeHeartbeat, hb.Type)
	require.Equal(t, 3, hb.ActiveSessions)
	require.GreaterOrEqual(t, hb.UptimeMS, int64(0))

	// Pings ride between heartbeat frames; the handler only fires while a
	// read is in progress, so keep reading.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-pings:
			return
		case <-deadline:
			t.Fatal("no ping observed")
		default:
		}
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	p := newFakePlatform(t)
	tr := newTestTransport(p)
	ctx := testContext()

	events := make(chan Event, 8)
	tr.SubscribeLifecycle(func(ctx context.Context, ev Event, reason string) { events <- ev })

	require.NoError(t, tr.Start(ctx))
	defer tr.Close(ctx)
	conn := <-p.conns

	// Abrupt close: no close frame, so the bridge sees an abnormal drop.
	conn.Close()

	var seen []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev)
			if ev == EventReconnected {
				require.Equal(t, []Event{EventConnected, EventDisconnected, EventReconnected}, seen)
				require.Equal(t, 2, p.registerCount())
				return
			}
		case <-deadline:
			t.Fatalf("no reconnect, events so far: %v", seen)
		}
	}
}
