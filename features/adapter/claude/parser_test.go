package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

type recorded struct {
	chunks []string
	kinds  []protocol.ChunkKind
	tools  []string
	done   bool
	failed string
}

func newRecordingParser() (*lineParser, *recorded) {
	rec := &recorded{}
	p := newLineParser(emitFunc{
		chunk: func(delta string, kind protocol.ChunkKind) {
			rec.chunks = append(rec.chunks, delta)
			rec.kinds = append(rec.kinds, kind)
		},
		toolEvent: func(kind protocol.ChunkKind, name, callID, delta string) {
			rec.tools = append(rec.tools, string(kind)+"|"+name+"|"+callID+"|"+delta)
		},
		done: func(string) { rec.done = true },
		fail: func(msg string) { rec.failed = msg },
	})
	return p, rec
}

func feed(t *testing.T, p *lineParser, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.True(t, p.HandleLine(line), line)
	}
}

func TestTextDeltasStream(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"model":"x","usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"Hello world"}`,
	)
	require.Equal(t, []string{"Hello ", "world"}, rec.chunks)
	require.Equal(t, []protocol.ChunkKind{protocol.KindText, protocol.KindText}, rec.kinds)
	require.True(t, rec.done)
	require.True(t, p.Done())
}

func TestThinkingDeltas(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`,
		`{"type":"content_block_stop","index":0}`,
	)
	require.Equal(t, []string{"let me see"}, rec.chunks)
	require.Equal(t, []protocol.ChunkKind{protocol.KindThinking}, rec.kinds)
}

func TestToolUseLifecycle(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"read_file","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"a.go\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"package a","is_error":false}]}}`,
	)
	require.Len(t, rec.tools, 4)
	require.Equal(t, "tool_start|read_file|t1|", rec.tools[0])
	require.Equal(t, `tool_input|read_file|t1|{"path":`, rec.tools[1])
	require.Equal(t, "tool_result||t1|package a", rec.tools[3])
	require.Empty(t, rec.chunks)
}

func TestToolResultErrorPrefix(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"no such file"}],"is_error":true}]}}`,
	)
	require.Len(t, rec.tools, 1)
	require.Equal(t, "tool_result||t2|[error] no such file", rec.tools[0])
}

func TestResultRechunkedWhenNoTextStreamed(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"result","subtype":"success","is_error":false,"result":"A final answer that arrived only in the terminal event and never as streamed deltas, so it must be replayed."}`,
	)
	require.True(t, rec.done)
	require.GreaterOrEqual(t, len(rec.chunks), 2)
	require.Equal(t, "A final answer that arrived only in the terminal event and never as streamed deltas, so it must be replayed.", strings.Join(rec.chunks, ""))
}

func TestResultNotRechunkedAfterStreaming(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"streamed"}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"streamed"}`,
	)
	require.Equal(t, []string{"streamed"}, rec.chunks)
	require.True(t, rec.done)
}

func TestErrorResult(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"execution failed"}`,
	)
	require.False(t, rec.done)
	require.Equal(t, "execution failed", rec.failed)
}

func TestSecondResultIgnored(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"result","subtype":"success","is_error":false,"result":"one"}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"two"}`,
	)
	require.True(t, rec.done)
	require.Equal(t, "one", strings.Join(rec.chunks, ""))
}

func TestUnparseableLineReported(t *testing.T) {
	p, _ := newRecordingParser()
	require.False(t, p.HandleLine("not json at all"))
}

func TestUnknownEventTagsTolerated(t *testing.T) {
	p, rec := newRecordingParser()
	feed(t, p,
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[]}}`,
		`{"type":"brand_new_event"}`,
	)
	require.Empty(t, rec.chunks)
	require.Empty(t, rec.tools)
}

func TestSplitChunksPrefersBreakPoints(t *testing.T) {
	text := "First sentence ends here. Second sentence is a bit longer and keeps going for a while."
	pieces := splitChunks(text, 30)
	require.Greater(t, len(pieces), 1)
	require.Equal(t, text, strings.Join(pieces, ""))
	for _, piece := range pieces {
		require.LessOrEqual(t, len([]rune(piece)), 30)
	}
	require.Equal(t, "First sentence ends here.", strings.TrimSpace(pieces[0]))
}
