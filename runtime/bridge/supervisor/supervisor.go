// Package supervisor assembles the bridge from its configuration: adapter,
// transport, session manager, host queue and upload client, wired together
// and torn down in order on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"goa.design/clue/log"

	"github.com/agentmesh/bridge/features/adapter/claude"
	"github.com/agentmesh/bridge/features/adapter/gateway"
	"github.com/agentmesh/bridge/runtime/bridge/adapter"
	"github.com/agentmesh/bridge/runtime/bridge/config"
	"github.com/agentmesh/bridge/runtime/bridge/queue"
	"github.com/agentmesh/bridge/runtime/bridge/session"
	"github.com/agentmesh/bridge/runtime/bridge/telemetry"
	"github.com/agentmesh/bridge/runtime/bridge/transport"
	"github.com/agentmesh/bridge/runtime/bridge/upload"
	"github.com/agentmesh/bridge/runtime/bridge/workspace"
)

// AutoUpgradeEnv, when truthy, enables the startup self-upgrade check.
const AutoUpgradeEnv = "AGENT_MESH_AUTO_UPGRADE"

// Version is stamped at build time.
var Version = "dev"

// Supervisor owns the assembled bridge components.
type Supervisor struct {
	cfg       *config.Config
	adapter   adapter.Adapter
	transport *transport.Transport
	manager   *session.Manager
	metrics   *telemetry.Metrics
	queue     *queue.Queue

	terminal chan string
}

// statsInterval paces the periodic queue occupancy debug log.
const statsInterval = time.Minute

// New builds the bridge from cfg without starting anything.
func New(cfg *config.Config) (*Supervisor, error) {
	ad, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	root := cfg.RuntimeRoot
	if root == "" {
		root = queue.DefaultRoot()
	}
	q, err := queue.New(root, queue.Options{
		MaxActive:   cfg.Queue.MaxActiveRequests,
		MaxQueued:   cfg.Queue.QueueMaxLength,
		WaitTimeout: cfg.Queue.WaitTimeout(),
	})
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	var ws *workspace.Manager
	if cfg.ProjectRoot != "" {
		ws = workspace.NewManager(cfg.ProjectRoot, workspace.WithMaxEntries(cfg.Workspace.MaxSnapshotEntries))
	}
	s := &Supervisor{
		cfg:      cfg,
		adapter:  ad,
		metrics:  metrics,
		queue:    q,
		terminal: make(chan string, 1),
	}
	tr := transport.New(transport.Options{
		URL:         cfg.URL,
		AgentID:     cfg.AgentID,
		Token:       cfg.Token,
		AdapterType: ad.Type(),
		ActiveSessions: func() int {
			if s.manager == nil {
				return 0
			}
			return s.manager.ActiveSessions()
		},
	})
	mgr := session.NewManager(session.Options{
		AgentID:    cfg.AgentID,
		Adapter:    ad,
		Sender:     tr,
		Queue:      q,
		Workspaces: ws,
		Uploads:    upload.New(),
		Metrics:    metrics,
	})
	tr.Subscribe(mgr.HandleFrame)
	tr.SubscribeLifecycle(s.onLifecycle)
	s.transport = tr
	s.manager = mgr
	return s, nil
}

// Run starts the transport and blocks until ctx is cancelled (signal) or the
// platform terminates the registration, then shuts everything down in order.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.adapter.Available(ctx) {
		return fmt.Errorf("adapter %q is not available on this host", s.adapter.Type())
	}
	upgradeCheck(ctx)
	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Printf(ctx, "bridge %s registered (adapter %s)", s.cfg.AgentID, s.adapter.Type())

	statsDone := make(chan struct{})
	go s.logStats(ctx, statsDone)
	defer close(statsDone)

	select {
	case <-ctx.Done():
		log.Printf(ctx, "shutdown requested")
	case reason := <-s.terminal:
		log.Printf(ctx, "platform terminated the session: %s", reason)
	}

	shutdownCtx := context.WithoutCancel(ctx)
	s.manager.Stop(shutdownCtx)
	s.transport.Close(shutdownCtx)
	return nil
}

// logStats periodically reports host queue occupancy and session count at
// debug level so an operator can watch admission pressure without metrics
// infrastructure.
func (s *Supervisor) logStats(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.queue.Snapshot(ctx)
			if err != nil {
				log.Debugf(ctx, "queue snapshot: %v", err)
				continue
			}
			log.Debugf(ctx, "queue active=%d queued=%d sessions=%d",
				stats.Active, stats.Queued, s.manager.ActiveSessions())
		}
	}
}

func (s *Supervisor) onLifecycle(ctx context.Context, ev transport.Event, reason string) {
	switch ev {
	case transport.EventReconnected:
		// In-flight state is lost across the platform edge.
		s.metrics.Reconnected(ctx)
		s.manager.Reset(ctx)
	case transport.EventReplaced, transport.EventTokenRevoked:
		select {
		case s.terminal <- string(ev):
		default:
		}
	}
}

func buildAdapter(cfg *config.Config) (adapter.Adapter, error) {
	switch cfg.Adapter {
	case claude.AdapterType:
		return claude.New(claude.Options{
			Binary:  cfg.Claude.Binary,
			Args:    cfg.Claude.Args,
			Sandbox: cfg.Sandbox,
		}), nil
	case gateway.AdapterType:
		return gateway.New(gateway.Options{
			BaseURL:      cfg.Gateway.BaseURL,
			APIKey:       cfg.Gateway.APIKey,
			Model:        cfg.Gateway.Model,
			SystemPrompt: cfg.Gateway.SystemPrompt,
		})
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

// upgradeCheck logs whether a newer release should be fetched. Actual binary
// replacement is left to the host's package manager.
func upgradeCheck(ctx context.Context) {
	if truthy, _ := strconv.ParseBool(os.Getenv(AutoUpgradeEnv)); !truthy {
		return
	}
	log.Printf(ctx, "auto-upgrade enabled, running version %s", Version)
}
