package claude

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// emitFunc receives canonical events from the parser. The terminal flag on
// done/error is handled by the caller.
type emitFunc struct {
	chunk     func(delta string, kind protocol.ChunkKind)
	toolEvent func(kind protocol.ChunkKind, toolName, toolCallID, delta string)
	done      func(finalResult string)
	fail      func(message string)
}

// blockKind tracks the flavor of the content block currently streaming.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockTool
)

// lineParser converts the assistant CLI's line-delimited JSON stream into
// canonical events. Content block events share the Anthropic Messages
// streaming shapes and are decoded through the SDK union types; the CLI adds
// its own envelope events for tool results (user role) and the terminal
// result.
//
// Chunk kinds are derived from both the outer block type (recorded at
// content_block_start) and the inner delta type, since the stream interleaves
// the two signals.
type lineParser struct {
	emit emitFunc

	block       blockKind
	toolName    string
	toolCallID  string
	textEmitted bool
	doneEmitted bool
}

func newLineParser(emit emitFunc) *lineParser {
	return &lineParser{emit: emit}
}

// cliEnvelope is the probe for the CLI's own event tags.
type cliEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Result  string `json:"result,omitempty"`
	Message *struct {
		Role    string            `json:"role"`
		Content []json.RawMessage `json:"content"`
	} `json:"message,omitempty"`
}

// toolResultBlock is a tool_result content block inside a user-role event.
type toolResultBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// HandleLine parses one stdout line. Returns false when the line is not
// valid JSON (callers debug-log and skip it).
func (p *lineParser) HandleLine(line string) bool {
	var env cliEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return false
	}
	switch env.Type {
	case "content_block_start", "content_block_delta", "content_block_stop",
		"message_start", "message_delta", "message_stop":
		var ev sdk.MessageStreamEventUnion
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return false
		}
		p.handleStreamEvent(ev)
	case "user":
		p.handleUserEvent(env)
	case "result":
		p.handleResult(env)
	case "assistant", "system":
		// Full-message mirrors of the streamed blocks; the deltas already
		// carried the content.
	default:
		// Unknown event tags are tolerated.
	}
	return true
}

func (p *lineParser) handleStreamEvent(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.block = blockNone
		p.toolName = ""
		p.toolCallID = ""
	case sdk.ContentBlockStartEvent:
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.TextBlock:
			p.block = blockText
		case sdk.ThinkingBlock:
			p.block = blockThinking
		case sdk.ToolUseBlock:
			p.block = blockTool
			p.toolName = start.Name
			p.toolCallID = start.ID
			p.emit.toolEvent(protocol.KindToolStart, start.Name, start.ID, "")
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return
			}
			kind := protocol.KindText
			if p.block == blockThinking {
				kind = protocol.KindThinking
			} else {
				p.textEmitted = true
			}
			p.emit.chunk(delta.Text, kind)
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return
			}
			p.emit.chunk(delta.Thinking, protocol.KindThinking)
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" || p.block != blockTool {
				return
			}
			p.emit.toolEvent(protocol.KindToolInput, p.toolName, p.toolCallID, delta.PartialJSON)
		}
	case sdk.ContentBlockStopEvent:
		p.block = blockNone
		p.toolName = ""
		p.toolCallID = ""
	}
}

// handleUserEvent surfaces tool results the CLI feeds back to the model.
func (p *lineParser) handleUserEvent(env cliEnvelope) {
	if env.Message == nil || env.Message.Role != "user" {
		return
	}
	for _, raw := range env.Message.Content {
		var block toolResultBlock
		if err := json.Unmarshal(raw, &block); err != nil || block.Type != "tool_result" {
			continue
		}
		delta := toolResultText(block.Content)
		if block.IsError {
			delta = "[error] " + delta
		}
		p.emit.toolEvent(protocol.KindToolResult, "", block.ToolUseID, delta)
	}
}

// handleResult terminates the request. When no text chunks streamed but the
// terminal event carries a final string, it is re-chunked before done so the
// platform still renders a progressive reply.
func (p *lineParser) handleResult(env cliEnvelope) {
	if p.doneEmitted {
		return
	}
	p.doneEmitted = true
	if env.IsError {
		msg := env.Result
		if msg == "" {
			msg = "assistant reported an error"
		}
		p.emit.fail(msg)
		return
	}
	if !p.textEmitted && env.Result != "" {
		for _, piece := range splitChunks(env.Result, 60) {
			p.emit.chunk(piece, protocol.KindText)
		}
	}
	p.emit.done(env.Result)
}

// Done reports whether a terminal event was emitted.
func (p *lineParser) Done() bool { return p.doneEmitted }

// toolResultText flattens a tool_result content payload, which is either a
// bare string or a list of typed blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// splitChunks splits text into pieces of roughly max runes, preferring to
// break at a newline, sentence punctuation, comma or space near the limit.
func splitChunks(text string, max int) []string {
	if max <= 0 {
		max = 60
	}
	var out []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= max {
			out = append(out, string(runes))
			break
		}
		cut := max
		window := runes[:max]
		for _, breakSet := range []string{"\n", ".!?", ",", " "} {
			if idx := lastIndexAny(window, breakSet); idx > 0 {
				cut = idx + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}

func lastIndexAny(runes []rune, chars string) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune(chars, runes[i]) {
			return i
		}
	}
	return -1
}
