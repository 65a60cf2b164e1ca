package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/config"
	"github.com/agentmesh/bridge/runtime/bridge/supervisor"
)

func main() {
	var (
		configF = flag.String("config", defaultConfigPath(), "Path to the bridge YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	log.Print(ctx, log.KV{K: "agent_id", V: cfg.AgentID}, log.KV{K: "adapter", V: cfg.Adapter})

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Fatalf(ctx, err, "assemble bridge")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Fatalf(ctx, err, "bridge stopped")
	}
	log.Printf(ctx, "exited")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent-bridge.yaml"
	}
	return home + "/.agent-mesh/agent-bridge.yaml"
}
