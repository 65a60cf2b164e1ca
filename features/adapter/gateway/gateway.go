// Package gateway provides an adapter backed by an OpenAI-compatible chat
// completion gateway instead of a local child process. The full per-session
// history is re-sent on every request and streamed deltas are forwarded as
// text chunks. It exists for hosts where no assistant CLI is installed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/adapter"
	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// AdapterType identifies this adapter flavor.
const AdapterType = "gateway"

// maxHistoryMessages bounds the re-sent conversation; older turns are
// dropped pairwise from the front.
const maxHistoryMessages = 40

type (
	// Options configures the gateway adapter.
	Options struct {
		// BaseURL points at the OpenAI-compatible endpoint. Required.
		BaseURL string
		// APIKey authenticates requests. Required.
		APIKey string
		// Model is the model identifier sent with every completion. Required.
		Model string
		// SystemPrompt, when non-empty, leads every conversation.
		SystemPrompt string
	}

	// Adapter implements adapter.Adapter over a remote chat gateway.
	Adapter struct {
		opts   Options
		client openai.Client

		mu       sync.Mutex
		sessions map[string]*session
	}

	// session holds one conversation's history and in-flight request state.
	session struct {
		a         *Adapter
		id        string
		workspace string

		mu      sync.Mutex
		sinks   adapter.Sinks
		busy    bool
		cancel  context.CancelFunc
		history []openai.ChatCompletionMessageParamUnion
	}
)

// New validates the options and returns a gateway Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("gateway: api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("gateway: model is required")
	}
	return &Adapter{
		opts: opts,
		client: openai.NewClient(
			option.WithBaseURL(opts.BaseURL),
			option.WithAPIKey(opts.APIKey),
		),
		sessions: make(map[string]*session),
	}, nil
}

// Type implements adapter.Adapter.
func (a *Adapter) Type() string { return AdapterType }

// Available reports whether the adapter is usable. Remote reachability is
// checked lazily on first send, so configuration presence is the only gate.
func (a *Adapter) Available(context.Context) bool { return true }

// CreateSession implements adapter.Adapter.
func (a *Adapter) CreateSession(ctx context.Context, opts adapter.SessionOptions) (adapter.Session, error) {
	if opts.SessionID == "" {
		return nil, errors.New("gateway: session id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[opts.SessionID]; ok {
		return s, nil
	}
	s := &session{a: a, id: opts.SessionID, workspace: opts.Workspace}
	if a.opts.SystemPrompt != "" {
		s.history = append(s.history, openai.SystemMessage(a.opts.SystemPrompt))
	}
	a.sessions[opts.SessionID] = s
	return s, nil
}

// DestroySession implements adapter.Adapter.
func (a *Adapter) DestroySession(ctx context.Context, sessionID, reason string) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if ok {
		log.Debugf(ctx, "gateway: destroying session %s (%s)", sessionID, reason)
		s.Kill(ctx)
	}
	return nil
}

// ID implements adapter.Session.
func (s *session) ID() string { return s.id }

// Workspace implements adapter.Session.
func (s *session) Workspace() string { return s.workspace }

// SetSinks implements adapter.Session.
func (s *session) SetSinks(sinks adapter.Sinks) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

// Send implements adapter.Session. The streamed completion runs on its own
// goroutine; Send returns once the request is accepted.
func (s *session) Send(ctx context.Context, in adapter.SendInput) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return adapter.ErrBusy
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.busy = true
	s.cancel = cancel
	s.history = append(s.history, openai.UserMessage(in.Content))
	s.trimHistoryLocked()
	messages := make([]openai.ChatCompletionMessageParamUnion, len(s.history))
	copy(messages, s.history)
	s.mu.Unlock()

	go s.stream(runCtx, messages)
	return nil
}

// stream consumes the SSE completion and forwards deltas as text chunks.
func (s *session) stream(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) {
	defer func() {
		s.mu.Lock()
		s.busy = false
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	stream := s.a.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.a.opts.Model),
		Messages: messages,
	})
	var reply string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply += delta
		s.emitChunk(delta, protocol.KindText)
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.emitError(fmt.Errorf("gateway completion: %w", err))
		return
	}
	s.mu.Lock()
	s.history = append(s.history, openai.AssistantMessage(reply))
	s.mu.Unlock()
	s.emitDone()
}

// Kill implements adapter.Session by cancelling the in-flight stream.
func (s *session) Kill(context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// trimHistoryLocked drops the oldest turns in user/assistant pairs once the
// history exceeds the cap, keeping any leading system message. The retained
// window always opens on a user turn. Callers hold s.mu.
func (s *session) trimHistoryLocked() {
	if len(s.history) <= maxHistoryMessages {
		return
	}
	head := 0
	if s.a.opts.SystemPrompt != "" {
		head = 1
	}
	tail := s.history[head:]
	for head+len(tail) > maxHistoryMessages && len(tail) >= 2 {
		tail = tail[2:]
	}
	// Pair drops can land mid-turn when a stream failed; advance to the
	// next user message.
	for len(tail) > 0 && tail[0].OfUser == nil {
		tail = tail[1:]
	}
	trimmed := make([]openai.ChatCompletionMessageParamUnion, 0, head+len(tail))
	trimmed = append(trimmed, s.history[:head]...)
	trimmed = append(trimmed, tail...)
	s.history = trimmed
}

func (s *session) emitChunk(delta string, kind protocol.ChunkKind) {
	s.mu.Lock()
	fn := s.sinks.Chunk
	s.mu.Unlock()
	if fn != nil {
		fn(delta, kind)
	}
}

func (s *session) emitDone() {
	s.mu.Lock()
	fn := s.sinks.Done
	s.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

func (s *session) emitError(err error) {
	s.mu.Lock()
	fn := s.sinks.Error
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
