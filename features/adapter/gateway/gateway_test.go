package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/adapter"
	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// fakeGateway streams canned completion deltas over SSE and records the
// message history it was sent.
type fakeGateway struct {
	srv    *httptest.Server
	deltas []string

	mu       sync.Mutex
	requests []completionRequest
}

type completionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func newFakeGateway(t *testing.T, deltas ...string) *fakeGateway {
	t.Helper()
	g := &fakeGateway{deltas: deltas}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		g.mu.Lock()
		g.requests = append(g.requests, req)
		g.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range g.deltas {
			payload, _ := json.Marshal(map[string]any{
				"id":      "cmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   req.Model,
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]string{"content": delta},
				}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type gatewaySink struct {
	mu     sync.Mutex
	chunks []string
	done   bool
	errs   []error
}

func (s *gatewaySink) sinks() adapter.Sinks {
	return adapter.Sinks{
		Chunk: func(delta string, kind protocol.ChunkKind) {
			s.mu.Lock()
			s.chunks = append(s.chunks, delta)
			s.mu.Unlock()
		},
		Done: func([]protocol.Attachment) {
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
		},
		Error: func(err error) {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		},
	}
}

func (s *gatewaySink) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *gatewaySink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

func testContext() context.Context {
	return log.Context(context.Background())
}

func newTestAdapter(t *testing.T, g *fakeGateway) *Adapter {
	t.Helper()
	a, err := New(Options{
		BaseURL:      g.srv.URL + "/",
		APIKey:       "key",
		Model:        "test-model",
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)
	return a
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{APIKey: "k", Model: "m"})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "http://x", Model: "m"})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "http://x", APIKey: "k"})
	require.Error(t, err)
}

func TestSendStreamsDeltas(t *testing.T) {
	g := newFakeGateway(t, "Hel", "lo ", "there")
	a := newTestAdapter(t, g)
	ctx := testContext()

	sess, err := a.CreateSession(ctx, adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	sink := &gatewaySink{}
	sess.SetSinks(sink.sinks())

	require.NoError(t, sess.Send(ctx, adapter.SendInput{Content: "greet me"}))
	require.Eventually(t, sink.isDone, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "Hello there", sink.text())
}

func TestHistoryAccumulatesAcrossTurns(t *testing.T) {
	g := newFakeGateway(t, "reply")
	a := newTestAdapter(t, g)
	ctx := testContext()

	sess, err := a.CreateSession(ctx, adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	sink := &gatewaySink{}
	sess.SetSinks(sink.sinks())

	require.NoError(t, sess.Send(ctx, adapter.SendInput{Content: "first"}))
	require.Eventually(t, sink.isDone, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	sink.done = false
	sink.mu.Unlock()
	require.NoError(t, sess.Send(ctx, adapter.SendInput{Content: "second"}))
	require.Eventually(t, sink.isDone, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, g.requestCount())

	g.mu.Lock()
	last := g.requests[1]
	g.mu.Unlock()
	// system + user/assistant from turn one + the new user turn.
	require.Equal(t, "test-model", last.Model)
	require.Len(t, last.Messages, 4)
	require.Equal(t, "system", last.Messages[0].Role)
	require.Equal(t, "assistant", last.Messages[2].Role)
}

func TestHistoryTrimsInPairs(t *testing.T) {
	a, err := New(Options{BaseURL: "http://unused/", APIKey: "k", Model: "m", SystemPrompt: "be brief"})
	require.NoError(t, err)
	sess, err := a.CreateSession(testContext(), adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	s := sess.(*session)

	s.mu.Lock()
	for i := 0; i < 30; i++ {
		s.history = append(s.history, openai.UserMessage(fmt.Sprintf("q%d", i)))
		s.history = append(s.history, openai.AssistantMessage(fmt.Sprintf("a%d", i)))
	}
	s.trimHistoryLocked()
	history := s.history
	s.mu.Unlock()

	require.LessOrEqual(t, len(history), maxHistoryMessages)
	require.NotNil(t, history[0].OfSystem)
	require.NotNil(t, history[1].OfUser)
	// The newest turn survives.
	require.NotNil(t, history[len(history)-1].OfAssistant)

	// A turn whose stream failed has no assistant reply, shifting the pair
	// boundary; the window still opens on a user message.
	s.mu.Lock()
	s.history = s.history[:1]
	s.history = append(s.history, openai.UserMessage("orphan"))
	for i := 0; i < 25; i++ {
		s.history = append(s.history, openai.UserMessage(fmt.Sprintf("q%d", i)))
		s.history = append(s.history, openai.AssistantMessage(fmt.Sprintf("a%d", i)))
	}
	s.trimHistoryLocked()
	history = s.history
	s.mu.Unlock()

	require.LessOrEqual(t, len(history), maxHistoryMessages)
	require.NotNil(t, history[0].OfSystem)
	require.NotNil(t, history[1].OfUser)
}

func TestSendBusyRejected(t *testing.T) {
	g := newFakeGateway(t, "x")
	a := newTestAdapter(t, g)
	ctx := testContext()

	sess, err := a.CreateSession(ctx, adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	sink := &gatewaySink{}
	sess.SetSinks(sink.sinks())

	require.NoError(t, sess.Send(ctx, adapter.SendInput{Content: "a"}))
	// The second send races the stream completing; either ErrBusy or
	// acceptance after completion is valid, so only assert on a still-busy
	// session.
	err = sess.Send(ctx, adapter.SendInput{Content: "b"})
	if err != nil {
		require.ErrorIs(t, err, adapter.ErrBusy)
	}
	require.Eventually(t, sink.isDone, 5*time.Second, 10*time.Millisecond)
}

func TestKillCancelsStream(t *testing.T) {
	// A gateway that stalls after the first delta.
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	a, err := New(Options{BaseURL: srv.URL + "/", APIKey: "k", Model: "m"})
	require.NoError(t, err)
	ctx := testContext()
	sess, err := a.CreateSession(ctx, adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	sink := &gatewaySink{}
	sess.SetSinks(sink.sinks())

	require.NoError(t, sess.Send(ctx, adapter.SendInput{Content: "a"}))
	require.Eventually(t, func() bool { return sink.text() == "x" }, 5*time.Second, 10*time.Millisecond)
	sess.Kill(ctx)

	// The cancelled stream must not produce a terminal event.
	time.Sleep(100 * time.Millisecond)
	require.False(t, sink.isDone())
	sink.mu.Lock()
	require.Empty(t, sink.errs)
	sink.mu.Unlock()
}

func TestDestroySessionRemovesState(t *testing.T) {
	g := newFakeGateway(t, "x")
	a := newTestAdapter(t, g)
	ctx := testContext()

	s1, err := a.CreateSession(ctx, adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, a.DestroySession(ctx, "s1", "test"))
	s2, err := a.CreateSession(ctx, adapter.SessionOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
}
