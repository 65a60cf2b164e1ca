// Package protocol defines the typed wire frames exchanged between the bridge
// and the orchestration platform. Frames are JSON objects tagged by a string
// field "type"; the codec tolerates unknown fields and reports unknown tags so
// callers can log and skip them without tearing down the connection.
//
// Upstream (bridge → platform): register, chunk, done, error, heartbeat.
// Downstream (platform → bridge): registered, message, cancel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the bridge wire protocol version. The register frame must carry
// it; the platform may reject mismatches in the registered frame.
const Version = 1

// WebSocket close codes with protocol-level meaning.
const (
	// CloseReplaced signals that another bridge registered with the same
	// agent id and this connection was displaced. Terminal: do not reconnect.
	CloseReplaced = 4001
	// CloseTokenRevoked signals that the platform token was revoked.
	// Terminal: do not reconnect.
	CloseTokenRevoked = 4002
)

// FrameType tags a wire frame.
type FrameType string

const (
	// TypeRegister is the first upstream frame on every connection.
	TypeRegister FrameType = "register"
	// TypeChunk streams incremental assistant output for a request.
	TypeChunk FrameType = "chunk"
	// TypeDone terminates a request successfully.
	TypeDone FrameType = "done"
	// TypeError terminates a request with a failure.
	TypeError FrameType = "error"
	// TypeHeartbeat is the periodic upstream liveness frame.
	TypeHeartbeat FrameType = "heartbeat"

	// TypeRegistered acknowledges (or rejects) a register frame.
	TypeRegistered FrameType = "registered"
	// TypeMessage dispatches a user request to the bridge.
	TypeMessage FrameType = "message"
	// TypeCancel cancels an in-flight request.
	TypeCancel FrameType = "cancel"
)

// ChunkKind classifies a chunk delta.
type ChunkKind string

const (
	// KindText is human-visible assistant text.
	KindText ChunkKind = "text"
	// KindToolStart announces a tool invocation.
	KindToolStart ChunkKind = "tool_start"
	// KindToolInput streams partial tool input JSON.
	KindToolInput ChunkKind = "tool_input"
	// KindToolResult carries a tool result payload.
	KindToolResult ChunkKind = "tool_result"
	// KindThinking is assistant reasoning text.
	KindThinking ChunkKind = "thinking"
	// KindStatus is an out-of-band status note.
	KindStatus ChunkKind = "status"
)

type (
	// Register is the connection handshake frame. It must be the first frame
	// the bridge sends on a new connection.
	Register struct {
		Type            FrameType `json:"type"`
		AgentID         string    `json:"agent_id"`
		Token           string    `json:"token"`
		ProtocolVersion int       `json:"protocol_version"`
		AdapterType     string    `json:"adapter_type"`
		Capabilities    []string  `json:"capabilities,omitempty"`
	}

	// Registered is the platform's response to Register. Status is "ok" or
	// "error"; Reason describes rejections.
	Registered struct {
		Type   FrameType `json:"type"`
		Status string    `json:"status"`
		Reason string    `json:"reason,omitempty"`
	}

	// Message dispatches a user request to the bridge. The pair
	// {SessionID, RequestID} identifies the request for deduplication,
	// chunk correlation and cancellation.
	Message struct {
		Type        FrameType    `json:"type"`
		SessionID   string       `json:"session_id"`
		RequestID   string       `json:"request_id"`
		Content     string       `json:"content"`
		Attachments []Attachment `json:"attachments,omitempty"`
		UploadURL   string       `json:"upload_url,omitempty"`
		UploadToken string       `json:"upload_token,omitempty"`
		ClientID    string       `json:"client_id,omitempty"`
	}

	// Cancel aborts a previously dispatched request. Idempotent on the
	// bridge side: cancelling an unknown request is silently ignored.
	Cancel struct {
		Type      FrameType `json:"type"`
		SessionID string    `json:"session_id"`
		RequestID string    `json:"request_id"`
	}

	// Chunk streams one incremental output fragment for a request. Chunks
	// for a request are emitted in adapter production order and always
	// precede the terminal done or error frame.
	Chunk struct {
		Type       FrameType `json:"type"`
		SessionID  string    `json:"session_id"`
		RequestID  string    `json:"request_id"`
		Delta      string    `json:"delta"`
		Kind       ChunkKind `json:"kind,omitempty"`
		ToolName   string    `json:"tool_name,omitempty"`
		ToolCallID string    `json:"tool_call_id,omitempty"`
	}

	// Done terminates a request successfully. Result duplicates the
	// concatenated text chunks; the platform may prefer either, so both are
	// preserved. Attachments describe files uploaded for this request.
	Done struct {
		Type        FrameType    `json:"type"`
		SessionID   string       `json:"session_id"`
		RequestID   string       `json:"request_id"`
		Result      string       `json:"result,omitempty"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}

	// Error terminates a request with a failure. Code is a short machine
	// readable tag, Message a human readable description.
	Error struct {
		Type      FrameType `json:"type"`
		SessionID string    `json:"session_id"`
		RequestID string    `json:"request_id"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
	}

	// Heartbeat is the periodic liveness frame sent after registration.
	Heartbeat struct {
		Type           FrameType `json:"type"`
		ActiveSessions int       `json:"active_sessions"`
		UptimeMS       int64     `json:"uptime_ms"`
	}

	// Attachment describes a platform-visible file produced by a request.
	Attachment struct {
		Name        string `json:"name"`
		URL         string `json:"url"`
		ContentType string `json:"content_type,omitempty"`
	}
)

// ErrUnknownType reports a frame whose tag is not part of the protocol.
// Callers log it and skip the frame.
type ErrUnknownType struct {
	Tag string
}

// Error implements error.
func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown frame type %q", e.Tag)
}

// NewRegister builds a register frame carrying the current protocol version.
func NewRegister(agentID, token, adapterType string, capabilities []string) Register {
	return Register{
		Type:            TypeRegister,
		AgentID:         agentID,
		Token:           token,
		ProtocolVersion: Version,
		AdapterType:     adapterType,
		Capabilities:    capabilities,
	}
}

// NewChunk builds a chunk frame for the given request.
func NewChunk(sessionID, requestID, delta string, kind ChunkKind) Chunk {
	return Chunk{
		Type:      TypeChunk,
		SessionID: sessionID,
		RequestID: requestID,
		Delta:     delta,
		Kind:      kind,
	}
}

// NewDone builds a done frame for the given request.
func NewDone(sessionID, requestID, result string, attachments []Attachment) Done {
	return Done{
		Type:        TypeDone,
		SessionID:   sessionID,
		RequestID:   requestID,
		Result:      result,
		Attachments: attachments,
	}
}

// NewError builds an error frame for the given request.
func NewError(sessionID, requestID, code, message string) Error {
	return Error{
		Type:      TypeError,
		SessionID: sessionID,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
}

// Encode marshals a frame to its JSON wire form.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode parses a downstream frame. It returns one of Registered, Message or
// Cancel. Unknown tags return *ErrUnknownType; unknown fields are ignored.
func Decode(data []byte) (any, FrameType, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, "", fmt.Errorf("protocol: decode: %w", err)
	}
	switch probe.Type {
	case TypeRegistered:
		var f Registered
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, probe.Type, fmt.Errorf("protocol: decode registered: %w", err)
		}
		return f, probe.Type, nil
	case TypeMessage:
		var f Message
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, probe.Type, fmt.Errorf("protocol: decode message: %w", err)
		}
		return f, probe.Type, nil
	case TypeCancel:
		var f Cancel
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, probe.Type, fmt.Errorf("protocol: decode cancel: %w", err)
		}
		return f, probe.Type, nil
	default:
		return nil, probe.Type, &ErrUnknownType{Tag: string(probe.Type)}
	}
}
