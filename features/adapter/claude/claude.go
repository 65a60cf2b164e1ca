// Package claude drives a local assistant CLI as a child process. Each
// request spawns the binary with flags requesting line-delimited JSON
// streaming and no interactive confirmation, consumes stdout line by line
// through the stream parser, and enforces an idle timeout that kills stalled
// children.
package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/adapter"
	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// AdapterType identifies this adapter flavor.
const AdapterType = "claude"

// IdleTimeoutEnv overrides the child idle kill timeout in milliseconds.
const IdleTimeoutEnv = "AGENT_BRIDGE_CLAUDE_IDLE_TIMEOUT_MS"

const (
	defaultIdleTimeout = 30 * time.Minute
	minIdleTimeout     = time.Minute
	// killEscalation is how long a terminated child gets before SIGKILL.
	killEscalation = 5 * time.Second
	// crashGrace lets an in-flight terminal event land before a non-zero
	// exit is reported as a crash.
	crashGrace = 50 * time.Millisecond
	// stderrTailMax bounds the retained stderr for crash reports.
	stderrTailMax = 4096
	// scanBufMax bounds a single stdout line.
	scanBufMax = 4 << 20
)

type (
	// Options configures the adapter.
	Options struct {
		// Binary is the assistant executable; resolved via PATH when
		// relative.
		Binary string
		// Args are extra flags prepended to every invocation.
		Args []string
		// Sandbox, when non-empty, wraps the child argv ("sandbox-exec",
		// "firejail", ...).
		Sandbox []string
	}

	// Adapter spawns one child process per request, one session per
	// platform session id.
	Adapter struct {
		opts        Options
		idleTimeout time.Duration

		mu       sync.Mutex
		sessions map[string]*session
	}

	// session is one warm conversation slot.
	session struct {
		a         *Adapter
		id        string
		workspace string

		mu    sync.Mutex
		sinks adapter.Sinks
		busy  bool
		// cmd and cancel refer to the in-flight child, if any.
		cmd    *exec.Cmd
		cancel context.CancelFunc
		killed bool
	}
)

// New returns a claude Adapter. The idle timeout is read from
// IdleTimeoutEnv, floored at one minute.
func New(opts Options) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	return &Adapter{
		opts:        opts,
		idleTimeout: idleTimeoutFromEnv(),
		sessions:    make(map[string]*session),
	}
}

// Type implements adapter.Adapter.
func (a *Adapter) Type() string { return AdapterType }

// Available reports whether the assistant binary resolves.
func (a *Adapter) Available(ctx context.Context) bool {
	_, err := exec.LookPath(a.opts.Binary)
	if err != nil {
		log.Printf(ctx, "claude: binary %q not found", a.opts.Binary)
	}
	return err == nil
}

// CreateSession implements adapter.Adapter.
func (a *Adapter) CreateSession(ctx context.Context, opts adapter.SessionOptions) (adapter.Session, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("claude: session id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[opts.SessionID]; ok {
		return s, nil
	}
	s := &session{a: a, id: opts.SessionID, workspace: opts.Workspace}
	a.sessions[opts.SessionID] = s
	return s, nil
}

// DestroySession implements adapter.Adapter.
func (a *Adapter) DestroySession(ctx context.Context, sessionID, reason string) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	log.Debugf(ctx, "claude: destroying session %s (%s)", sessionID, reason)
	s.Kill(ctx)
	return nil
}

// ID implements adapter.Session.
func (s *session) ID() string { return s.id }

// Workspace implements adapter.Session.
func (s *session) Workspace() string { return s.workspace }

// SetSinks implements adapter.Session, replacing the previous sink set.
func (s *session) SetSinks(sinks adapter.Sinks) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

// Send implements adapter.Session. The collect-files control message is
// intercepted before any child is spawned.
func (s *session) Send(ctx context.Context, in adapter.SendInput) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return adapter.ErrBusy
	}
	s.busy = true
	s.killed = false
	s.mu.Unlock()

	if task, ok := parseCollectTask(in.Content); ok {
		go s.runCollect(ctx, task)
		return nil
	}
	return s.spawn(ctx, in)
}

// spawn starts the child and its stdout reader.
func (s *session) spawn(ctx context.Context, in adapter.SendInput) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	argv := s.a.argv(in)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if s.workspace != "" {
		cmd.Dir = s.workspace
	}
	cmd.Env = os.Environ()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.finish()
		return fmt.Errorf("%w: %v", adapter.ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.finish()
		return fmt.Errorf("%w: %v", adapter.ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		s.finish()
		return fmt.Errorf("%w: %v", adapter.ErrSpawn, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.mu.Unlock()

	go s.consume(ctx, cmd, stdout, stderr)
	return nil
}

// consume reads the child's stdout through the stream parser and reports the
// request outcome.
func (s *session) consume(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader) {
	defer s.finish()

	tail := &tailBuffer{max: stderrTailMax}
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		_, _ = io.Copy(tail, stderr)
	}()

	idle := time.AfterFunc(s.a.idleTimeout, func() {
		log.Printf(ctx, "claude: session %s idle for %v, killing child", s.id, s.a.idleTimeout)
		s.Kill(ctx)
	})
	defer idle.Stop()

	parser := newLineParser(emitFunc{
		chunk: func(delta string, kind protocol.ChunkKind) {
			s.emitChunk(delta, kind)
		},
		toolEvent: func(kind protocol.ChunkKind, name, callID, delta string) {
			s.emitToolEvent(adapter.ToolEvent{Kind: kind, ToolName: name, ToolCallID: callID, Delta: delta})
		},
		done: func(string) { s.emitDone(nil) },
		fail: func(msg string) { s.emitError(fmt.Errorf("%s", msg)) },
	})

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), scanBufMax)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idle.Reset(s.a.idleTimeout)
		if !parser.HandleLine(line) {
			log.Debugf(ctx, "claude: session %s skipping unparseable line (%d bytes)", s.id, len(line))
		}
	}

	stderrWG.Wait()
	err := cmd.Wait()
	s.mu.Lock()
	s.cmd = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	killed := s.killed
	s.mu.Unlock()

	if parser.Done() || killed {
		return
	}
	// The terminal result event may still be in flight through the sinks.
	time.Sleep(crashGrace)
	code := exitCode(err)
	if code == 0 {
		// Stream ended cleanly but without a result event; treat as crash so
		// the request still terminates.
		code = -1
	}
	msg := strings.TrimSpace(tail.String())
	if msg == "" {
		msg = fmt.Sprintf("process exited with code %d", code)
	}
	s.emitError(fmt.Errorf("%s", msg))
}

// Kill implements adapter.Session: graceful termination first, SIGKILL after
// the escalation delay. Trailing child output is suppressed.
func (s *session) Kill(ctx context.Context) {
	s.mu.Lock()
	s.killed = true
	cmd := s.cmd
	cancel := s.cancel
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(killEscalation)
		s.mu.Lock()
		still := s.cmd == cmd
		s.mu.Unlock()
		if still {
			_ = cmd.Process.Kill()
		}
		if cancel != nil {
			cancel()
		}
	}()
}

func (s *session) finish() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *session) emitChunk(delta string, kind protocol.ChunkKind) {
	s.mu.Lock()
	fn := s.sinks.Chunk
	suppressed := s.killed
	s.mu.Unlock()
	if fn != nil && !suppressed {
		fn(delta, kind)
	}
}

func (s *session) emitToolEvent(ev adapter.ToolEvent) {
	s.mu.Lock()
	fn := s.sinks.ToolEvent
	suppressed := s.killed
	s.mu.Unlock()
	if fn != nil && !suppressed {
		fn(ev)
	}
}

func (s *session) emitDone(attachments []protocol.Attachment) {
	s.mu.Lock()
	fn := s.sinks.Done
	suppressed := s.killed
	s.mu.Unlock()
	if fn != nil && !suppressed {
		fn(attachments)
	}
}

func (s *session) emitError(err error) {
	s.mu.Lock()
	fn := s.sinks.Error
	suppressed := s.killed
	s.mu.Unlock()
	if fn != nil && !suppressed {
		fn(err)
	}
}

// argv builds the child command line: optional sandbox wrapper, the binary,
// configured extra args, streaming flags, then the prompt.
func (a *Adapter) argv(in adapter.SendInput) []string {
	var argv []string
	argv = append(argv, a.opts.Sandbox...)
	argv = append(argv, a.opts.Binary)
	argv = append(argv, a.opts.Args...)
	argv = append(argv,
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	)
	argv = append(argv, promptWithAttachments(in))
	return argv
}

// promptWithAttachments appends platform-provided input attachments to the
// prompt as a fetchable URL list.
func promptWithAttachments(in adapter.SendInput) string {
	if len(in.Attachments) == 0 {
		return in.Content
	}
	var b strings.Builder
	b.WriteString(in.Content)
	b.WriteString("\n\nAttached files:\n")
	for _, att := range in.Attachments {
		fmt.Fprintf(&b, "- %s: %s\n", att.Name, att.URL)
	}
	return b.String()
}

func idleTimeoutFromEnv() time.Duration {
	raw := os.Getenv(IdleTimeoutEnv)
	if raw == "" {
		return defaultIdleTimeout
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return defaultIdleTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minIdleTimeout {
		return minIdleTimeout
	}
	return d
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
