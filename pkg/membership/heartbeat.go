package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"steward/pkg/client"
	"steward/telemetry"
)

// ReporterConfig tunes the heartbeat loop.
type ReporterConfig struct {
	// Interval between heartbeats.
	Interval time.Duration
	// RequestTimeout bounds one heartbeat delivery.
	RequestTimeout time.Duration
	// Secret authenticates against the leader's admin API.
	Secret string
}

func (c *ReporterConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
}

// Reporter periodically reports this node's liveness and applied index to
// the leader. The leader applies heartbeats directly; followers deliver them
// over the leader's admin API since only the leader can replicate them.
type Reporter struct {
	group     Group
	manager   *Manager
	discovery *LeaderDiscovery
	cfg       ReporterConfig

	// leaderAddr caches the last known leader to skip discovery on the
	// happy path; cleared whenever a delivery fails.
	leaderAddr string

	stop chan struct{}
	done chan struct{}
}

// NewReporter builds a reporter for the local node.
func NewReporter(group Group, manager *Manager, discovery *LeaderDiscovery, cfg ReporterConfig) *Reporter {
	cfg.applyDefaults()
	return &Reporter{
		group:     group,
		manager:   manager,
		discovery: discovery,
		cfg:       cfg,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (r *Reporter) Start() {
	go r.loop()
}

// Stop halts the loop and waits for it to exit.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reporter) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.beat()
		}
	}
}

func (r *Reporter) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()

	applied := r.group.AppliedIndex()
	id := r.group.LocalID()

	if r.group.IsLeader() {
		if err := r.manager.Heartbeat(ctx, id, applied); err != nil {
			telemetry.HeartbeatsTotal.With("error").Inc()
			log.Debug().Err(err).Msg("local heartbeat failed")
			return
		}
		telemetry.HeartbeatsTotal.With("ok").Inc()
		return
	}

	addr := r.leaderAddr
	if addr == "" {
		info, err := r.discovery.Leader(ctx)
		if err != nil {
			telemetry.HeartbeatsTotal.With("no_leader").Inc()
			log.Debug().Err(err).Msg("heartbeat skipped, no leader")
			return
		}
		addr = info.Address
	}

	c := client.New(addr, &client.Options{Timeout: r.cfg.RequestTimeout, Secret: r.cfg.Secret})
	if err := c.Heartbeat(ctx, id, applied); err != nil {
		r.leaderAddr = ""
		if client.IsNotFound(err) {
			// not registered yet, the join flow will catch up
			telemetry.HeartbeatsTotal.With("unregistered").Inc()
			log.Debug().Str("leader", addr).Msg("heartbeat rejected, node not registered")
			return
		}
		telemetry.HeartbeatsTotal.With("error").Inc()
		log.Warn().Err(err).Str("leader", addr).Msg("heartbeat delivery failed")
		return
	}

	r.leaderAddr = addr
	telemetry.HeartbeatsTotal.With("ok").Inc()
}
