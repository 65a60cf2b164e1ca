// Package session maps platform sessions to adapter sessions and routes
// frames between the transport and the adapter: deduplicating requests,
// serializing admission through the host queue, snapshotting and diffing the
// workspace around each request, and pruning idle state.
package session

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/adapter"
	"github.com/agentmesh/bridge/runtime/bridge/guard"
	"github.com/agentmesh/bridge/runtime/bridge/protocol"
	"github.com/agentmesh/bridge/runtime/bridge/queue"
	"github.com/agentmesh/bridge/runtime/bridge/telemetry"
	"github.com/agentmesh/bridge/runtime/bridge/upload"
	"github.com/agentmesh/bridge/runtime/bridge/workspace"
)

// IdleTTLEnv overrides the session idle TTL in milliseconds.
const IdleTTLEnv = "AGENT_BRIDGE_SESSION_IDLE_TTL_MS"

const (
	defaultIdleTTL = 10 * time.Minute
	minIdleTTL     = time.Minute
	// trackerTTL bounds how long a {session, request} pair rejects
	// re-delivery.
	trackerTTL    = 10 * time.Minute
	sweepInterval = time.Minute
	// replacePrefixScheme marks session ids whose first three colon-separated
	// segments form a logical session; a new suffix replaces the old session.
	replacePrefixScheme = "skillshot"
)

// Error codes surfaced on terminal error frames.
const (
	CodeAdapterCrash = "adapter_crash"
	CodeSpawnFailed  = "spawn_failed"
	CodeInternal     = "internal"
)

// Sender delivers upstream frames. Satisfied by the transport.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

type (
	// Options configures a Manager.
	Options struct {
		AgentID    string
		Adapter    adapter.Adapter
		Sender     Sender
		Queue      *queue.Queue
		Workspaces *workspace.Manager
		Uploads    *upload.Client
		Metrics    *telemetry.Metrics
	}

	// Manager owns the session pool and request tracker. All pool mutation
	// happens on the manager's mutex; adapter event sinks re-enter through it.
	Manager struct {
		opts    Options
		idleTTL time.Duration

		mu      sync.Mutex
		pool    map[string]*handle
		tracker map[trackerKey]trackerEntry

		stopOnce sync.Once
		stop     chan struct{}
		done     chan struct{}
	}

	trackerKey struct {
		sessionID string
		requestID string
	}

	trackerEntry struct {
		status    string
		expiresAt time.Time
	}

	// handle is one live session slot. Sinks are wired once at creation;
	// they read the mutable current request state on every emission, so
	// successive requests reuse the same wiring.
	handle struct {
		sessionID string
		sess      adapter.Session
		lastSeen  time.Time

		// current request state, owned by the manager mutex.
		requestID   string
		uploadURL   string
		uploadToken string
		snapshot    workspace.Snapshot
		result      strings.Builder
		lease       *queue.Lease
		startedAt   time.Time
	}
)

// NewManager builds a Manager and starts its periodic sweep.
func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:    opts,
		idleTTL: idleTTLFromEnv(),
		pool:    make(map[string]*handle),
		tracker: make(map[trackerKey]trackerEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// ActiveSessions reports the pool size, used by the transport heartbeat.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// HandleFrame routes one downstream frame. Wired to the transport's frame
// subscription.
func (m *Manager) HandleFrame(ctx context.Context, frame any) {
	switch f := frame.(type) {
	case protocol.Message:
		m.handleMessage(ctx, f)
	case protocol.Cancel:
		m.handleCancel(ctx, f)
	}
}

// Reset tears down all sessions and tracker entries. Wired to the transport's
// reconnect lifecycle event: in-flight state is not resumable across the
// platform edge.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.pool))
	for _, h := range m.pool {
		handles = append(handles, h)
	}
	m.pool = make(map[string]*handle)
	m.tracker = make(map[trackerKey]trackerEntry)
	m.mu.Unlock()
	for _, h := range handles {
		m.teardown(ctx, h, "reconnect")
	}
}

// Stop destroys all sessions and halts the sweep. Called on supervisor
// shutdown.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	m.Reset(ctx)
}

func (m *Manager) handleMessage(ctx context.Context, msg protocol.Message) {
	m.mu.Lock()
	m.pruneLocked(ctx)

	key := trackerKey{msg.SessionID, msg.RequestID}
	if entry, ok := m.tracker[key]; ok {
		m.mu.Unlock()
		log.Printf(ctx, "duplicate request %s/%s (status %s), dropping", msg.SessionID, msg.RequestID, entry.status)
		return
	}
	m.tracker[key] = trackerEntry{status: "active", expiresAt: time.Now().Add(trackerTTL)}
	m.opts.Metrics.RequestStarted(ctx, m.opts.Adapter.Type())

	if prefix, ok := logicalPrefix(msg.SessionID); ok {
		for id, h := range m.pool {
			if id == msg.SessionID {
				continue
			}
			if p, ok := logicalPrefix(id); ok && p == prefix {
				delete(m.pool, id)
				go m.teardown(ctx, h, "session_replaced")
			}
		}
	}

	h, ok := m.pool[msg.SessionID]
	m.mu.Unlock()

	if !ok {
		var err error
		h, err = m.createHandle(ctx, msg.SessionID, msg.ClientID)
		if err != nil {
			log.Errorf(ctx, err, "create session %s", msg.SessionID)
			m.finishRequest(ctx, msg.SessionID, msg.RequestID, "error")
			m.send(ctx, protocol.NewError(msg.SessionID, msg.RequestID, CodeInternal, err.Error()))
			return
		}
	}

	m.mu.Lock()
	h.lastSeen = time.Now()
	m.mu.Unlock()

	go m.dispatch(ctx, h, msg)
}

// createHandle builds the adapter session and wires its sinks exactly once.
func (m *Manager) createHandle(ctx context.Context, sessionID, clientID string) (*handle, error) {
	var root string
	if m.opts.Workspaces != nil && clientID != "" {
		var err error
		root, err = m.opts.Workspaces.ClientWorkspace(clientID)
		if err != nil {
			log.Errorf(ctx, err, "client workspace for %s, continuing without one", clientID)
			root = ""
		}
	}
	sess, err := m.opts.Adapter.CreateSession(ctx, adapter.SessionOptions{
		SessionID: sessionID,
		Workspace: root,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.pool[sessionID]; ok {
		// Another frame raced the create. The adapter hands back its cached
		// session for the id, so the existing handle already owns it; leave
		// its sink wiring untouched.
		m.mu.Unlock()
		return existing, nil
	}
	h := &handle{sessionID: sessionID, sess: sess, lastSeen: time.Now()}
	m.pool[sessionID] = h
	m.mu.Unlock()

	sess.SetSinks(adapter.Sinks{
		Chunk:     func(delta string, kind protocol.ChunkKind) { m.onChunk(ctx, h, delta, kind) },
		ToolEvent: func(ev adapter.ToolEvent) { m.onToolEvent(ctx, h, ev) },
		Done:      func(atts []protocol.Attachment) { m.onDone(ctx, h, atts) },
		Error:     func(err error) { m.onError(ctx, h, err) },
	})
	m.opts.Metrics.SessionOpened(ctx)
	return h, nil
}

// dispatch acquires a queue lease, snapshots the workspace and hands the
// request to the adapter. Runs on its own goroutine so the transport read
// loop never blocks on admission.
func (m *Manager) dispatch(ctx context.Context, h *handle, msg protocol.Message) {
	var lease *queue.Lease
	if m.opts.Queue != nil {
		var err error
		lease, err = m.opts.Queue.Acquire(ctx, queue.Input{
			AgentID:   m.opts.AgentID,
			SessionID: msg.SessionID,
			RequestID: msg.RequestID,
		})
		if err != nil {
			if m.requestStatus(msg.SessionID, msg.RequestID) == "cancelled" {
				log.Debugf(ctx, "admission for %s/%s ended after cancel", msg.SessionID, msg.RequestID)
				return
			}
			code := string(queue.CodeOf(err))
			if code == "" {
				code = CodeInternal
			}
			log.Printf(ctx, "admission failed for %s/%s: %v", msg.SessionID, msg.RequestID, err)
			m.finishRequest(ctx, msg.SessionID, msg.RequestID, "error")
			m.send(ctx, protocol.NewError(msg.SessionID, msg.RequestID, code, err.Error()))
			return
		}
		lease.StartHeartbeat(ctx)
	}

	if m.opts.Workspaces != nil && msg.ClientID != "" {
		// Project entries may have appeared since the session was created;
		// re-linking is idempotent.
		if _, err := m.opts.Workspaces.ClientWorkspace(msg.ClientID); err != nil {
			log.Errorf(ctx, err, "refresh client workspace for %s", msg.ClientID)
		}
	}

	var snap workspace.Snapshot
	if m.opts.Workspaces != nil && h.sess.Workspace() != "" {
		var err error
		snap, err = m.opts.Workspaces.Take(h.sess.Workspace())
		if err != nil {
			log.Errorf(ctx, err, "workspace snapshot for %s, diffing disabled for this request", msg.SessionID)
			snap = nil
		}
	}

	m.mu.Lock()
	stillPooled := m.pool[msg.SessionID] == h
	if stillPooled {
		h.requestID = msg.RequestID
		h.uploadURL = msg.UploadURL
		h.uploadToken = msg.UploadToken
		h.snapshot = snap
		h.result.Reset()
		h.lease = lease
		h.startedAt = time.Now()
		h.lastSeen = time.Now()
	}
	m.mu.Unlock()
	if !stillPooled {
		// Cancelled or replaced while waiting for admission.
		if lease != nil {
			lease.Release(ctx, "session_gone")
		}
		return
	}

	err := h.sess.Send(ctx, adapter.SendInput{
		Content:     guard.GuardInput(msg.Content),
		Attachments: msg.Attachments,
		UploadURL:   msg.UploadURL,
		UploadToken: msg.UploadToken,
		ClientID:    msg.ClientID,
	})
	if err != nil {
		m.clearRequest(ctx, h, "release_on_error")
		m.finishRequest(ctx, msg.SessionID, msg.RequestID, "error")
		code := CodeAdapterCrash
		if errors.Is(err, adapter.ErrSpawn) || errors.Is(err, adapter.ErrBusy) {
			code = CodeSpawnFailed
		}
		m.send(ctx, protocol.NewError(msg.SessionID, msg.RequestID, code, err.Error()))
	}
}

func (m *Manager) handleCancel(ctx context.Context, c protocol.Cancel) {
	m.mu.Lock()
	m.tracker[trackerKey{c.SessionID, c.RequestID}] = trackerEntry{
		status:    "cancelled",
		expiresAt: time.Now().Add(trackerTTL),
	}
	h, ok := m.pool[c.SessionID]
	if ok {
		delete(m.pool, c.SessionID)
	}
	m.mu.Unlock()

	// Unblock a dispatch still waiting for admission; its Acquire returns
	// queue_cancelled and the tracker status suppresses the error frame.
	if m.opts.Queue != nil {
		if err := m.opts.Queue.CancelQueued(ctx, queue.Input{
			AgentID:   m.opts.AgentID,
			SessionID: c.SessionID,
			RequestID: c.RequestID,
		}); err != nil {
			log.Errorf(ctx, err, "drop queued request %s/%s", c.SessionID, c.RequestID)
		}
	}
	if !ok {
		return
	}
	log.Printf(ctx, "cancelling %s/%s", c.SessionID, c.RequestID)
	m.teardown(ctx, h, "cancel_signal")
}

// onChunk forwards one redacted output fragment upstream.
func (m *Manager) onChunk(ctx context.Context, h *handle, delta string, kind protocol.ChunkKind) {
	m.mu.Lock()
	requestID := h.requestID
	if requestID != "" {
		if kind == protocol.KindText {
			h.result.WriteString(delta)
		}
		h.lastSeen = time.Now()
	}
	m.mu.Unlock()
	if requestID == "" {
		return
	}
	m.opts.Metrics.ChunkForwarded(ctx)
	m.send(ctx, protocol.NewChunk(h.sessionID, requestID, guard.GuardOutput(delta), kind))
}

func (m *Manager) onToolEvent(ctx context.Context, h *handle, ev adapter.ToolEvent) {
	m.mu.Lock()
	requestID := h.requestID
	if requestID != "" {
		h.lastSeen = time.Now()
	}
	m.mu.Unlock()
	if requestID == "" {
		return
	}
	chunk := protocol.NewChunk(h.sessionID, requestID, guard.GuardOutput(ev.Delta), ev.Kind)
	chunk.ToolName = ev.ToolName
	chunk.ToolCallID = ev.ToolCallID
	m.send(ctx, chunk)
}

// onDone diffs the workspace, uploads new files and emits the terminal done
// frame carrying the attachments and the concatenated text.
func (m *Manager) onDone(ctx context.Context, h *handle, attachments []protocol.Attachment) {
	m.mu.Lock()
	requestID := h.requestID
	snap := h.snapshot
	uploadURL, uploadToken := h.uploadURL, h.uploadToken
	result := h.result.String()
	m.mu.Unlock()
	if requestID == "" {
		return
	}
	// A terminal racing a cancel stays silent; the cancel already tore the
	// request down from the platform's point of view.
	if m.requestStatus(h.sessionID, requestID) == "cancelled" {
		m.clearRequest(ctx, h, "done_after_cancel")
		return
	}

	if len(attachments) == 0 && snap != nil && uploadURL != "" && m.opts.Uploads != nil {
		root := h.sess.Workspace()
		changed, err := m.opts.Workspaces.Diff(root, snap)
		if err != nil {
			log.Errorf(ctx, err, "workspace diff for %s", h.sessionID)
		} else if len(changed) > 0 {
			attachments = m.opts.Uploads.UploadAll(ctx, uploadURL, uploadToken, root, changed)
		}
	}

	m.clearRequest(ctx, h, "done")
	m.finishRequest(ctx, h.sessionID, requestID, "done")
	m.send(ctx, protocol.NewDone(h.sessionID, requestID, guard.GuardOutput(result), attachments))
}

func (m *Manager) onError(ctx context.Context, h *handle, err error) {
	m.mu.Lock()
	requestID := h.requestID
	m.mu.Unlock()
	if requestID == "" {
		return
	}
	m.clearRequest(ctx, h, "error")
	if m.requestStatus(h.sessionID, requestID) == "cancelled" {
		log.Debugf(ctx, "suppressing failure for cancelled %s/%s: %v", h.sessionID, requestID, err)
		return
	}
	m.finishRequest(ctx, h.sessionID, requestID, "error")
	m.send(ctx, protocol.NewError(h.sessionID, requestID, CodeAdapterCrash, err.Error()))
}

// clearRequest releases the queue lease and resets the per-request state.
func (m *Manager) clearRequest(ctx context.Context, h *handle, reason string) {
	m.mu.Lock()
	lease := h.lease
	h.lease = nil
	h.requestID = ""
	h.uploadURL = ""
	h.uploadToken = ""
	h.snapshot = nil
	h.lastSeen = time.Now()
	m.mu.Unlock()
	if lease != nil {
		lease.Release(ctx, reason)
	}
}

// requestStatus reads the tracker status for a request, or "" when untracked.
func (m *Manager) requestStatus(sessionID, requestID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker[trackerKey{sessionID, requestID}].status
}

// finishRequest records the terminal tracker status.
func (m *Manager) finishRequest(ctx context.Context, sessionID, requestID, status string) {
	m.mu.Lock()
	m.tracker[trackerKey{sessionID, requestID}] = trackerEntry{
		status:    status,
		expiresAt: time.Now().Add(trackerTTL),
	}
	var elapsed time.Duration
	if h, ok := m.pool[sessionID]; ok && !h.startedAt.IsZero() {
		elapsed = time.Since(h.startedAt)
	}
	m.mu.Unlock()
	m.opts.Metrics.RequestFinished(ctx, status, elapsed)
}

// teardown kills the handle, destroys its adapter session and releases any
// held lease. Failures log and continue.
func (m *Manager) teardown(ctx context.Context, h *handle, reason string) {
	m.mu.Lock()
	h.requestID = ""
	lease := h.lease
	h.lease = nil
	m.mu.Unlock()

	h.sess.Kill(ctx)
	if err := m.opts.Adapter.DestroySession(ctx, h.sessionID, reason); err != nil {
		log.Errorf(ctx, err, "destroy session %s", h.sessionID)
	}
	if lease != nil {
		lease.Release(ctx, reason)
	}
	m.opts.Metrics.SessionClosed(ctx)
}

// pruneLocked evicts expired tracker entries and idle sessions. Callers hold
// the manager mutex.
func (m *Manager) pruneLocked(ctx context.Context) {
	now := time.Now()
	for key, entry := range m.tracker {
		if now.After(entry.expiresAt) {
			delete(m.tracker, key)
		}
	}
	for id, h := range m.pool {
		if now.Sub(h.lastSeen) > m.idleTTL {
			delete(m.pool, id)
			log.Printf(ctx, "session %s idle for %v, destroying", id, now.Sub(h.lastSeen).Round(time.Second))
			go m.teardown(ctx, h, "idle_timeout")
		}
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.pruneLocked(ctx)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) send(ctx context.Context, frame any) {
	if err := m.opts.Sender.Send(ctx, frame); err != nil {
		log.Errorf(ctx, err, "send frame")
	}
}

// logicalPrefix extracts the <scheme>:<user>:<agent> triple from replaceable
// session ids.
func logicalPrefix(sessionID string) (string, bool) {
	parts := strings.SplitN(sessionID, ":", 4)
	if len(parts) != 4 || parts[0] != replacePrefixScheme {
		return "", false
	}
	return strings.Join(parts[:3], ":"), true
}

func idleTTLFromEnv() time.Duration {
	raw := os.Getenv(IdleTTLEnv)
	if raw == "" {
		return defaultIdleTTL
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return defaultIdleTTL
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minIdleTTL {
		return minIdleTTL
	}
	return d
}
