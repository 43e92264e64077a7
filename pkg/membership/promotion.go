package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"steward/pkg/cluster"
)

// PromoterConfig tunes automatic stabilization.
type PromoterConfig struct {
	// Interval between promotion sweeps.
	Interval time.Duration
	// MaxLag is how many log entries a joiner may trail the commit index
	// and still count as caught up.
	MaxLag uint64
	// HeartbeatWindow is how recent a joiner's heartbeat must be.
	HeartbeatWindow time.Duration
}

func (c *PromoterConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.MaxLag == 0 {
		c.MaxLag = 64
	}
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = 15 * time.Second
	}
}

// Promoter sweeps joining members and marks them stable once their
// self-reported applied index has caught up with the commit index and their
// heartbeat is fresh. Only the leader promotes; on other nodes the sweep is
// a no-op, which lets every node run one.
type Promoter struct {
	group   Group
	manager *Manager
	cfg     PromoterConfig

	stop chan struct{}
	done chan struct{}
}

// NewPromoter builds a promotion sweeper.
func NewPromoter(group Group, manager *Manager, cfg PromoterConfig) *Promoter {
	cfg.applyDefaults()
	return &Promoter{
		group:   group,
		manager: manager,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (p *Promoter) Start() {
	go p.loop()
}

// Stop halts the loop and waits for it to exit.
func (p *Promoter) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Promoter) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Promoter) sweep() {
	if !p.group.IsLeader() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
	defer cancel()

	nodes, err := p.group.Nodes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("promotion sweep failed to list nodes")
		return
	}

	commit := p.group.CommitIndex()
	now := time.Now().UnixMilli()

	for _, rec := range nodes {
		if rec.Stability != cluster.StabilityJoining {
			continue
		}
		if !p.eligible(rec, commit, now) {
			continue
		}

		if err := p.manager.MarkStable(ctx, rec.ID); err != nil {
			log.Warn().Err(err).Str("node_id", rec.ID).Msg("automatic stabilization failed")
			continue
		}
		log.Info().
			Str("node_id", rec.ID).
			Uint64("applied_index", rec.AppliedIndex).
			Uint64("commit_index", commit).
			Msg("joiner caught up, promoted to stable")
	}
}

func (p *Promoter) eligible(rec cluster.NodeRecord, commit uint64, now int64) bool {
	if now-rec.LastHeartbeat > p.cfg.HeartbeatWindow.Milliseconds() {
		return false
	}
	// the local node's progress is visible directly, everyone else reports
	// theirs via heartbeat
	applied := rec.AppliedIndex
	if rec.ID == p.group.LocalID() {
		applied = p.group.AppliedIndex()
	}
	return applied+p.cfg.MaxLag >= commit
}
