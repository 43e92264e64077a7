package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"steward/config"
	"steward/events"
	_ "steward/events/sink"
	"steward/pkg/client"
	"steward/pkg/cluster"
	"steward/pkg/fencing"
	"steward/pkg/ha"
	"steward/pkg/membership"
	"steward/pkg/server"
	"steward/storage"
	"steward/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	dataDir    = flag.String("data-dir", "", "Data directory")
	port       = flag.Int("port", 0, "Shared raft and admin port")
	host       = flag.String("host", "", "Bind host")
	nodeID     = flag.String("node-id", "", "Node ID")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap a new group with this node")
	join       = flag.String("join", "", "Admin address of a member to join through")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Override config with command line flags
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *host != "" {
		cfg.Node.Host = *host
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *bootstrap {
		cfg.Node.Bootstrap = true
	}
	if *join != "" {
		cfg.Node.JoinAddr = *join
	}
	if cfg.Node.Bootstrap && cfg.Node.JoinAddr != "" {
		panic("bootstrap and join are mutually exclusive")
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Logging.Format == "json" {
		writer = os.Stdout
	}
	level, lerr := zerolog.ParseLevel(cfg.Logging.Level)
	if lerr != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Str("node_id", cfg.Node.ID).
		Logger().
		Level(level)

	log.Info().Str("bind", cfg.Node.BindAddr()).Msg("Steward starting")

	telemetry.InitializeTelemetry(cfg.Metrics.Enabled, cfg.Node.ID)
	telemetry.InitMetrics()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}

	// Replicated state store
	var st storage.Store
	switch cfg.Storage.Backend {
	case "memory":
		st = storage.NewMemoryStore()
	default:
		st, err = storage.NewBadgerStore(filepath.Join(cfg.Node.DataDir, "state"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open state store")
		}
	}
	defer st.Close()

	// Shared listener, split between raft and the admin API
	srv, err := server.New(server.Config{
		BindAddr:      cfg.Node.BindAddr(),
		AdvertiseAddr: cfg.Node.AdvertiseAddr,
		Secret:        cfg.Admin.Secret,
		EnablePprof:   cfg.Admin.EnablePprof,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind listener")
	}

	// Consensus group
	group, err := cluster.Start(st, cluster.Config{
		NodeID:             cfg.Node.ID,
		BindAddr:           cfg.Node.BindAddr(),
		AdvertiseAddr:      cfg.Node.AdvertiseAddr,
		DataDir:            cfg.Node.DataDir,
		Bootstrap:          cfg.Node.Bootstrap,
		HeartbeatTimeout:   ms(cfg.Raft.HeartbeatTimeoutMS),
		ElectionTimeout:    ms(cfg.Raft.ElectionTimeoutMS),
		LeaderLeaseTimeout: ms(cfg.Raft.LeaderLeaseTimeoutMS),
		CommitTimeout:      ms(cfg.Raft.CommitTimeoutMS),
		SnapshotRetain:     cfg.Raft.SnapshotRetain,
		ApplyTimeout:       ms(cfg.Raft.ApplyTimeoutMS),
	}, srv.RaftLayer())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start consensus group")
	}
	defer group.Close()

	// Role transition machinery
	fencer := fencing.NewCoordinator(group, cfg.Node.ID, fencing.Config{
		Attempts: cfg.Fencing.Attempts,
		Backoff:  ms(cfg.Fencing.BackoffMS),
	})
	executor := ha.NewExecutor(fencer, ha.ExecutorConfig{})
	watcher := cluster.NewRoleWatcher(group, executor)

	// Membership
	manager := membership.NewManager(group, membership.Config{
		QuorumMinimum: cfg.Membership.QuorumMinimum,
	})
	discovery := membership.NewLeaderDiscovery(group, membership.DiscoveryConfig{
		Timeout: ms(cfg.Membership.DiscoveryTimeoutMS),
	})
	reporter := membership.NewReporter(group, manager, discovery, membership.ReporterConfig{
		Interval: ms(cfg.Membership.HeartbeatIntervalMS),
		Secret:   cfg.Admin.Secret,
	})
	promoter := membership.NewPromoter(group, manager, membership.PromoterConfig{
		Interval:        ms(cfg.Membership.PromotionIntervalMS),
		MaxLag:          uint64(cfg.Membership.PromotionMaxLag),
		HeartbeatWindow: ms(cfg.Membership.HeartbeatWindowMS),
	})

	// Admin API
	srv.RegisterAdmin(server.NewHandlers(group, executor, manager, discovery))
	srv.Start()

	executor.Start()
	watcher.Start()
	reporter.Start()
	promoter.Start()

	// Transition publisher
	var registry *events.Registry
	if cfg.Publisher.Enabled && len(cfg.Publisher.Sinks) > 0 {
		registry, err = events.NewRegistry(events.RegistryConfig{
			NodeID:      cfg.Node.ID,
			Hub:         executor.Hub(),
			SinkConfigs: sinkConfigs(cfg.Publisher.Sinks),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build transition publisher")
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start transition publisher")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go register(ctx, cfg, group, manager)

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Received shutdown signal")
	cancel()

	watcher.Stop()
	reporter.Stop()
	promoter.Stop()
	executor.Stop()
	if registry != nil {
		registry.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Listener shutdown failed")
	}

	log.Info().Msg("Steward stopped")
}

// register makes this node a member of the group. Bootstrap nodes and
// restarted members self-register once they hold leadership or find their
// replicated record; fresh nodes go through an existing member's admin API.
func register(ctx context.Context, cfg *config.Config, group *cluster.Group, manager *membership.Manager) {
	advHost, advPort := cfg.Node.AdvertiseHostPort()
	class := cluster.MembershipClass(cfg.Node.Class)

	if cfg.Node.JoinAddr != "" {
		joinVia(ctx, cfg, advHost, advPort)
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for attempt := 0; attempt < 120; attempt++ {
		if _, found, err := group.Node(ctx, cfg.Node.ID); err == nil && found {
			log.Debug().Msg("Node already registered")
			return
		}
		if group.IsLeader() {
			err := manager.RegisterSelf(ctx, advHost, advPort, class)
			if err == nil {
				return
			}
			log.Warn().Err(err).Msg("Self-registration failed, will retry")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	log.Warn().Msg("Node not registered, add it through a leader or set node.join_addr")
}

func joinVia(ctx context.Context, cfg *config.Config, advHost string, advPort int) {
	c := client.New(cfg.Node.JoinAddr, &client.Options{
		Timeout: 5 * time.Second,
		Secret:  cfg.Admin.Secret,
	})
	req := client.AddNodeRequest{
		ID:    cfg.Node.ID,
		Host:  advHost,
		Port:  advPort,
		Class: cfg.Node.Class,
	}

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := c.AddNode(ctx, req)
		if err == nil {
			log.Info().Str("via", cfg.Node.JoinAddr).Msg("Joined group")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Join failed, will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func sinkConfigs(in []config.SinkConfig) []events.SinkConfig {
	out := make([]events.SinkConfig, 0, len(in))
	for _, sc := range in {
		out = append(out, events.SinkConfig{
			Name:            sc.Name,
			Type:            sc.Type,
			Topic:           sc.Topic,
			Patterns:        sc.Patterns,
			NatsURL:         sc.NatsURL,
			Brokers:         sc.Brokers,
			BatchSize:       sc.BatchSize,
			RetryInitialMS:  sc.RetryInitialMS,
			RetryMaxMS:      sc.RetryMaxMS,
			RetryMultiplier: sc.RetryMultiplier,
			MaxRetries:      sc.MaxRetries,
		})
	}
	return out
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
