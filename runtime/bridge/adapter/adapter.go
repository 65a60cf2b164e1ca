// Package adapter defines the contract between the bridge runtime and the
// components that drive a local assistant. An Adapter owns the assistant
// process (or remote gateway) and converts its native streaming output into
// canonical events: text/thinking chunks, tool lifecycle events, a terminal
// done, or a terminal error.
//
// Sessions deliver events through one sink per event kind. Sinks are replaced,
// never appended: re-wiring a session swaps the previous sink so callbacks do
// not stack across requests. Sinks read any per-request correlation state
// (such as the current request id) at emission time.
package adapter

import (
	"context"
	"errors"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

type (
	// Adapter creates and destroys assistant sessions of one flavor
	// (child-process CLI, HTTP gateway, ...).
	Adapter interface {
		// Type identifies the adapter flavor ("claude", "gateway").
		Type() string

		// Available reports whether the backing assistant can be driven on
		// this host (binary resolvable, gateway reachable).
		Available(ctx context.Context) bool

		// CreateSession allocates a session slot for the given platform
		// session id. Sessions are kept warm across successive requests and
		// destroyed explicitly.
		CreateSession(ctx context.Context, opts SessionOptions) (Session, error)

		// DestroySession kills and releases the session with the given id.
		// Destroying an unknown session is a no-op.
		DestroySession(ctx context.Context, sessionID, reason string) error
	}

	// Session is one live assistant conversation slot. Implementations must
	// serialize Send calls per session: a second Send while a request is in
	// flight returns ErrBusy.
	Session interface {
		// ID returns the platform session id this slot serves.
		ID() string

		// SetSinks installs the event sinks, replacing any previous set.
		SetSinks(s Sinks)

		// Send dispatches one request to the assistant. It returns once the
		// request has been started; events are delivered asynchronously to
		// the installed sinks and end with exactly one Done or Error unless
		// the session is killed first.
		Send(ctx context.Context, in SendInput) error

		// Kill terminates any in-flight work: graceful stop first, hard kill
		// after a short escalation delay. Idempotent.
		Kill(ctx context.Context)

		// Workspace returns the directory the assistant runs in, or empty
		// when the session has no local workspace.
		Workspace() string
	}

	// SessionOptions configures a new session slot.
	SessionOptions struct {
		// SessionID is the platform session id.
		SessionID string
		// Workspace is the working directory for the assistant process.
		// Empty means the adapter's default.
		Workspace string
	}

	// SendInput is the payload of one request.
	SendInput struct {
		// Content is the (guarded) prompt text.
		Content string
		// Attachments are platform-provided input files.
		Attachments []protocol.Attachment
		// UploadURL and UploadToken are the one-shot upload credentials for
		// files produced by this request.
		UploadURL   string
		UploadToken string
		// ClientID selects the per-client workspace.
		ClientID string
	}

	// Sinks carries one callback per event kind. Nil members drop the
	// corresponding events.
	Sinks struct {
		// Chunk receives incremental text or thinking output.
		Chunk func(delta string, kind protocol.ChunkKind)
		// ToolEvent receives tool lifecycle chunks.
		ToolEvent func(ev ToolEvent)
		// Done receives the terminal success event with any attachments the
		// adapter collected itself (collect-files control path).
		Done func(attachments []protocol.Attachment)
		// Error receives the terminal failure event.
		Error func(err error)
	}

	// ToolEvent is a tool lifecycle fragment: start, streamed input JSON, or
	// a result payload.
	ToolEvent struct {
		Kind       protocol.ChunkKind
		ToolName   string
		ToolCallID string
		Delta      string
	}
)

var (
	// ErrBusy reports a Send while a previous request is still in flight.
	ErrBusy = errors.New("adapter: session busy")
	// ErrSpawn reports that the assistant process could not be started.
	ErrSpawn = errors.New("adapter: spawn failed")
)
