package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/logging"
	"github.com/agentmesh/agentmesh/internal/mods"
	"github.com/agentmesh/agentmesh/internal/network"
	"github.com/agentmesh/agentmesh/internal/notify"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("agentmesh " + version)
	fmt.Println("=============================================")
	fmt.Printf("MESH_MODE=%s\n", cfg.Mode)
	fmt.Printf("MESH_SERVER_MODE=%t\n", cfg.ServerMode)
	fmt.Printf("MESH_HOST=%s MESH_PORT=%d\n", cfg.Host, cfg.Port)
	fmt.Printf("MESH_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("MESH_AGENT_TIMEOUT=%s\n", cfg.AgentTimeout)
	fmt.Printf("MESH_MODS=%v\n", cfg.Mods)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg := mods.NewRegistry(cfg.ModsDir, log.Logger)

	svc, err := network.New(cfg, reg, log.Logger)
	if err != nil {
		log.Error("failed to create network service", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		log.Error("failed to start network service", "error", err)
		os.Exit(1)
	}

	// Event export chain: log always, MQTT when a broker is configured.
	providers := []notify.Provider{notify.NewLogProvider(log.Component("notify"))}
	if cfg.MQTTBroker != "" {
		providers = append(providers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.Name, 0))
		log.Info("mqtt event export enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.New(log.Component("notify"), providers...)
	notifier.Run(ctx, svc.Bus())

	log.Info("agentmesh started", "version", version, "addr", svc.Addr(), "mode", cfg.Mode)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("agentmesh exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("agentmesh shutdown complete")
}
