// Package queue implements cross-process admission control for bridge
// requests on one host. Every bridge process shares a runtime directory
// holding a JSON state file guarded by a lock directory; the lock-by-mkdir
// protocol is the only mutex between processes.
//
// A request takes a free slot immediately when nothing is waiting; otherwise
// it joins the FIFO queue and is promoted to an active lease when it reaches
// the head and a slot frees up. Leases carry a TTL and are refreshed by
// heartbeat; entries owned by dead processes or past their deadline are
// reclaimed by whichever process next holds the lock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

// StateFile and LockDir are the well-known names inside the runtime root.
const (
	StateFile = "queue-state.json"
	LockDir   = "queue.lock"
)

// stateVersion is the persisted schema version.
const stateVersion = 1

// ErrorCode tags queue failures.
type ErrorCode string

const (
	// CodeFull reports a queue at capacity.
	CodeFull ErrorCode = "queue_full"
	// CodeTimeout reports a request that waited past its deadline.
	CodeTimeout ErrorCode = "queue_timeout"
	// CodeAborted reports a caller-cancelled wait.
	CodeAborted ErrorCode = "queue_aborted"
	// CodeCancelled reports an entry removed by another actor (duplicate
	// submission or external cancel).
	CodeCancelled ErrorCode = "queue_cancelled"
	// CodeLockTimeout reports failure to acquire the state lock.
	CodeLockTimeout ErrorCode = "lock_timeout"
)

type (
	// Error is a tagged queue failure.
	Error struct {
		Code ErrorCode
		msg  string
	}

	// Options bounds the queue. Zero values select the defaults.
	Options struct {
		// MaxActive is the number of concurrently admitted requests.
		MaxActive int
		// MaxQueued bounds the waiting list.
		MaxQueued int
		// WaitTimeout is how long a request may wait before queue_timeout.
		WaitTimeout time.Duration
		// LeaseTTL is the active lease expiry horizon; heartbeats extend it.
		LeaseTTL time.Duration
		// PollInterval is the admission polling period.
		PollInterval time.Duration
		// LockWait bounds a single lock acquisition.
		LockWait time.Duration
		// LockRetry is the sleep between lock attempts.
		LockRetry time.Duration
		// LockStale is the age past which an abandoned lock dir is broken.
		LockStale time.Duration
		// HeartbeatEvery is the lease refresh period.
		HeartbeatEvery time.Duration
	}

	// Queue is a handle on the host-shared admission state.
	Queue struct {
		root string
		opts Options

		// alive is the pid liveness probe, replaceable in tests.
		alive func(pid int) bool
		now   func() time.Time
	}

	// Input identifies a request for admission.
	Input struct {
		AgentID   string
		SessionID string
		RequestID string
	}

	// Lease is one granted active slot.
	Lease struct {
		q          *Queue
		leaseID    string
		requestKey string
		released   chan struct{}
	}

	// ActiveLease is the persisted form of a granted slot.
	ActiveLease struct {
		LeaseID        string    `json:"lease_id"`
		RequestKey     string    `json:"request_key"`
		PID            int       `json:"pid"`
		AcquiredAt     time.Time `json:"acquired_at"`
		LeaseExpiresAt time.Time `json:"lease_expires_at"`
	}

	// QueueEntry is the persisted form of a waiting request.
	QueueEntry struct {
		QueueID    string    `json:"queue_id"`
		RequestKey string    `json:"request_key"`
		PID        int       `json:"pid"`
		EnqueuedAt time.Time `json:"enqueued_at"`
		DeadlineAt time.Time `json:"deadline_at"`
	}

	// State is the persisted queue state.
	State struct {
		Version   int                    `json:"version"`
		Active    map[string]ActiveLease `json:"active"`
		Queue     []QueueEntry           `json:"queue"`
		UpdatedAt time.Time              `json:"updated_at"`
	}

	// Stats reports queue occupancy.
	Stats struct {
		Active int
		Queued int
	}
)

// Error implements error.
func (e *Error) Error() string { return e.msg }

// newError builds a tagged failure.
func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the queue error code, or empty when err is not a queue
// failure.
func CodeOf(err error) ErrorCode {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{
		MaxActive:      1,
		MaxQueued:      10,
		WaitTimeout:    10 * time.Minute,
		LeaseTTL:       15 * time.Second,
		PollInterval:   100 * time.Millisecond,
		LockWait:       10 * time.Second,
		LockRetry:      25 * time.Millisecond,
		LockStale:      30 * time.Second,
		HeartbeatEvery: 5 * time.Second,
	}
}

// New returns a Queue rooted at dir, creating it if needed.
func New(dir string, opts Options) (*Queue, error) {
	def := DefaultOptions()
	if opts.MaxActive <= 0 {
		opts.MaxActive = def.MaxActive
	}
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = def.MaxQueued
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = def.WaitTimeout
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.LockWait <= 0 {
		opts.LockWait = def.LockWait
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = def.LockRetry
	}
	if opts.LockStale <= 0 {
		opts.LockStale = def.LockStale
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = def.HeartbeatEvery
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: create runtime dir: %w", err)
	}
	return &Queue{
		root:  dir,
		opts:  opts,
		alive: pidAlive,
		now:   time.Now,
	}, nil
}

// DefaultRoot returns <home>/.agent-mesh/runtime.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".agent-mesh", "runtime")
}

// Key returns the request key "agent_id:session_id:request_id".
func (in Input) Key() string {
	return in.AgentID + ":" + in.SessionID + ":" + in.RequestID
}

// Acquire admits the request, blocking until a lease is granted or the
// request fails with a tagged queue error. A request arriving at an empty
// queue with a free slot is granted its lease immediately. Cancelling ctx
// aborts the wait.
func (q *Queue) Acquire(ctx context.Context, in Input) (*Lease, error) {
	key := in.Key()
	queueID := uuid.NewString()
	pid := os.Getpid()
	deadlineAt := q.now().Add(q.opts.WaitTimeout)

	// One lock round-trip: admit into a free slot or join the waiting list.
	var lease *Lease
	err := q.withLock(ctx, func(st *State) error {
		q.cleanup(st)
		if _, ok := st.Active[key]; ok {
			return newError(CodeCancelled, "queue: request %s already active", key)
		}
		for _, entry := range st.Queue {
			if entry.RequestKey == key {
				return newError(CodeCancelled, "queue: request %s already queued", key)
			}
		}
		if len(st.Queue) >= q.opts.MaxQueued {
			return newError(CodeFull, "queue: %d requests waiting (max %d)", len(st.Queue), q.opts.MaxQueued)
		}
		if len(st.Queue) == 0 && len(st.Active) < q.opts.MaxActive {
			lease = q.promote(st, key, pid)
			return nil
		}
		st.Queue = append(st.Queue, QueueEntry{
			QueueID:    queueID,
			RequestKey: key,
			PID:        pid,
			EnqueuedAt: q.now(),
			DeadlineAt: deadlineAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lease != nil {
		return lease, nil
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = q.withLock(context.Background(), func(st *State) error {
				removeEntry(st, key)
				return nil
			})
			return nil, newError(CodeAborted, "queue: wait for %s aborted", key)
		case <-ticker.C:
		}

		err := q.withLock(ctx, func(st *State) error {
			q.cleanup(st)
			idx := -1
			for i, entry := range st.Queue {
				if entry.RequestKey == key {
					idx = i
					break
				}
			}
			if idx < 0 {
				// Some other actor may have promoted the request already.
				if al, ok := st.Active[key]; ok {
					lease = q.newLease(al.LeaseID, key)
					return nil
				}
				// cleanup drops expired entries before this search runs, so a
				// vanished entry past its own deadline is a timeout, not an
				// external cancel.
				if !deadlineAt.After(q.now()) {
					return newError(CodeTimeout, "queue: request %s waited past deadline", key)
				}
				return newError(CodeCancelled, "queue: request %s removed while waiting", key)
			}
			entry := st.Queue[idx]
			if idx == 0 && len(st.Active) < q.opts.MaxActive {
				st.Queue = st.Queue[1:]
				lease = q.promote(st, key, pid)
				return nil
			}
			if !entry.DeadlineAt.After(q.now()) {
				st.Queue = append(st.Queue[:idx], st.Queue[idx+1:]...)
				return newError(CodeTimeout, "queue: request %s waited past deadline", key)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}
}

// CancelQueued removes a waiting request. Removing an unknown request is a
// no-op.
func (q *Queue) CancelQueued(ctx context.Context, in Input) error {
	return q.withLock(ctx, func(st *State) error {
		removeEntry(st, in.Key())
		return nil
	})
}

// Snapshot reads current occupancy under the lock.
func (q *Queue) Snapshot(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.withLock(ctx, func(st *State) error {
		q.cleanup(st)
		stats = Stats{Active: len(st.Active), Queued: len(st.Queue)}
		return nil
	})
	return stats, err
}

// promote moves key into the active set and returns its lease. Runs inside
// the state lock.
func (q *Queue) promote(st *State, key string, pid int) *Lease {
	leaseID := uuid.NewString()
	now := q.now()
	st.Active[key] = ActiveLease{
		LeaseID:        leaseID,
		RequestKey:     key,
		PID:            pid,
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(q.opts.LeaseTTL),
	}
	return q.newLease(leaseID, key)
}

func (q *Queue) newLease(leaseID, key string) *Lease {
	return &Lease{q: q, leaseID: leaseID, requestKey: key, released: make(chan struct{})}
}

// Release frees the active slot. Idempotent.
func (l *Lease) Release(ctx context.Context, reason string) {
	select {
	case <-l.released:
		return
	default:
		close(l.released)
	}
	err := l.q.withLock(ctx, func(st *State) error {
		if al, ok := st.Active[l.requestKey]; ok && al.LeaseID == l.leaseID {
			delete(st.Active, l.requestKey)
		}
		return nil
	})
	if err != nil {
		log.Errorf(ctx, err, "queue: release lease %s", l.leaseID)
		return
	}
	log.Debugf(ctx, "queue: released lease %s (%s)", l.leaseID, reason)
}

// StartHeartbeat extends the lease expiry on a fixed period until Release is
// called or ctx is cancelled.
func (l *Lease) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.q.opts.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-l.released:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := l.q.withLock(ctx, func(st *State) error {
				al, ok := st.Active[l.requestKey]
				if !ok || al.LeaseID != l.leaseID {
					return nil
				}
				al.LeaseExpiresAt = l.q.now().Add(l.q.opts.LeaseTTL)
				st.Active[l.requestKey] = al
				return nil
			})
			if err != nil {
				log.Errorf(ctx, err, "queue: heartbeat lease %s", l.leaseID)
			}
		}
	}()
}

// cleanup evicts active leases with expired TTLs or dead owner pids and queue
// entries past their deadline or with dead owner pids. Runs on every lock
// entry so any process repairs state left by a crashed holder.
func (q *Queue) cleanup(st *State) {
	now := q.now()
	for key, al := range st.Active {
		if al.LeaseExpiresAt.Before(now) || !q.alive(al.PID) {
			delete(st.Active, key)
		}
	}
	kept := st.Queue[:0]
	for _, entry := range st.Queue {
		if entry.DeadlineAt.Before(now) || !q.alive(entry.PID) {
			continue
		}
		kept = append(kept, entry)
	}
	st.Queue = kept
}

func removeEntry(st *State, key string) {
	for i, entry := range st.Queue {
		if entry.RequestKey == key {
			st.Queue = append(st.Queue[:i], st.Queue[i+1:]...)
			return
		}
	}
}

// withLock acquires the lock directory, reads the state file, applies fn and
// writes the state back atomically. fn errors skip the write-back only when
// the state was not mutated; mutating helpers therefore return queue errors
// after applying their removals, so the write still happens.
func (q *Queue) withLock(ctx context.Context, fn func(*State) error) error {
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	st, err := q.read()
	if err != nil {
		return err
	}
	fnErr := fn(st)
	st.UpdatedAt = q.now()
	if err := q.write(st); err != nil {
		return err
	}
	return fnErr
}

// lock acquires the lock directory via mkdir. An existing lock older than the
// stale horizon is assumed abandoned by a crashed holder and broken.
func (q *Queue) lock(ctx context.Context) error {
	path := filepath.Join(q.root, LockDir)
	deadline := q.now().Add(q.opts.LockWait)
	for {
		err := os.Mkdir(path, 0o700)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("queue: lock: %w", err)
		}
		if info, serr := os.Stat(path); serr == nil && q.now().Sub(info.ModTime()) > q.opts.LockStale {
			log.Printf(ctx, "queue: breaking stale lock (age %v)", q.now().Sub(info.ModTime()))
			_ = os.Remove(path)
			continue
		}
		if !q.now().Before(deadline) {
			return newError(CodeLockTimeout, "queue: lock not acquired within %v", q.opts.LockWait)
		}
		select {
		case <-ctx.Done():
			return newError(CodeAborted, "queue: lock wait aborted")
		case <-time.After(q.opts.LockRetry):
		}
	}
}

func (q *Queue) unlock() {
	_ = os.Remove(filepath.Join(q.root, LockDir))
}

// read loads the state file, returning a fresh default on absence or
// corruption. A corrupt file is logged and rebuilt rather than wedging every
// bridge process on the host.
func (q *Queue) read() (*State, error) {
	st := &State{Version: stateVersion, Active: make(map[string]ActiveLease)}
	data, err := os.ReadFile(filepath.Join(q.root, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("queue: read state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		log.Printf(context.Background(), "queue: state file corrupt, resetting: %v", err)
		return &State{Version: stateVersion, Active: make(map[string]ActiveLease)}, nil
	}
	if st.Active == nil {
		st.Active = make(map[string]ActiveLease)
	}
	return st, nil
}

// write persists the state atomically via a pid-suffixed temp file + rename.
func (q *Queue) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode state: %w", err)
	}
	target := filepath.Join(q.root, StateFile)
	tmp := fmt.Sprintf("%s.%d.tmp", target, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("queue: write state: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("queue: commit state: %w", err)
	}
	return nil
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
