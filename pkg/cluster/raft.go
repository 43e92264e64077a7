package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog/log"

	"steward/storage"
)

// Config defines how to start the local replication group member.
type Config struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	DataDir       string
	Bootstrap     bool

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotRetain     int
	ApplyTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 200 * time.Millisecond
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 200 * time.Millisecond
	}
	if c.LeaderLeaseTimeout <= 0 {
		c.LeaderLeaseTimeout = 200 * time.Millisecond
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 3 * time.Second
	}
}

// Group owns the local raft node and exposes the coordination operations the
// rest of the engine builds on: proposing commands, reading replicated state,
// and changing the voting configuration.
type Group struct {
	raft         *hraft.Raft
	fsm          *FSM
	store        *raftboltdb.BoltStore
	stable       *raftboltdb.BoltStore
	snap         *hraft.FileSnapshotStore
	trans        *hraft.NetworkTransport
	st           storage.Store
	localID      string
	applyTimeout time.Duration
}

// Start starts a group member with a store-backed FSM. When layer is non-nil
// the transport runs over it (shared listener); otherwise a plain TCP
// transport is bound to cfg.BindAddr.
func Start(st storage.Store, cfg Config, layer hraft.StreamLayer) (*Group, error) {
	cfg.applyDefaults()

	// Stores
	logPath := filepath.Join(cfg.DataDir, "raft-log.bolt")
	stablePath := filepath.Join(cfg.DataDir, "raft-stable.bolt")
	snapDir := filepath.Join(cfg.DataDir, "raft-snapshots")

	store, err := raftboltdb.NewBoltStore(logPath)
	if err != nil {
		return nil, fmt.Errorf("bolt log store: %w", err)
	}
	stable, err := raftboltdb.NewBoltStore(stablePath)
	if err != nil {
		return nil, fmt.Errorf("bolt stable store: %w", err)
	}
	snap, err := hraft.NewFileSnapshotStore(snapDir, cfg.SnapshotRetain, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	// Transport
	var trans *hraft.NetworkTransport
	if layer != nil {
		trans = hraft.NewNetworkTransport(layer, 3, 10*time.Second, nil)
	} else {
		advertise := cfg.AdvertiseAddr
		if advertise == "" {
			advertise = cfg.BindAddr
		}
		addr, err := net.ResolveTCPAddr("tcp", advertise)
		if err != nil {
			return nil, err
		}
		trans, err = hraft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, nil)
		if err != nil {
			return nil, err
		}
	}

	// Raft config
	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	rcfg.ElectionTimeout = cfg.ElectionTimeout
	rcfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	rcfg.CommitTimeout = cfg.CommitTimeout

	fsm := NewFSM(st)
	ra, err := hraft.NewRaft(rcfg, fsm, store, stable, snap, trans)
	if err != nil {
		return nil, err
	}

	g := &Group{
		raft:         ra,
		fsm:          fsm,
		store:        store,
		stable:       stable,
		snap:         snap,
		trans:        trans,
		st:           st,
		localID:      cfg.NodeID,
		applyTimeout: cfg.ApplyTimeout,
	}

	if cfg.Bootstrap {
		conf := hraft.Configuration{Servers: []hraft.Server{{
			ID:      rcfg.LocalID,
			Address: trans.LocalAddr(),
		}}}
		if err := ra.BootstrapCluster(conf).Error(); err != nil {
			if !errors.Is(err, hraft.ErrCantBootstrap) {
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
			log.Debug().Str("node_id", cfg.NodeID).Msg("group already bootstrapped")
		}
	}
	return g, nil
}

// Raft returns the underlying raft instance
func (g *Group) Raft() *hraft.Raft { return g.raft }

// LocalID returns this member's server id
func (g *Group) LocalID() string { return g.localID }

// IsLeader reports whether this node currently leads the group
func (g *Group) IsLeader() bool { return g.raft.State() == hraft.Leader }

// LeaderID returns the current leader's server id, empty when unknown
func (g *Group) LeaderID() string {
	_, id := g.raft.LeaderWithID()
	return string(id)
}

// LeaderTransportAddr returns the leader's transport address, empty when unknown
func (g *Group) LeaderTransportAddr() string {
	addr, _ := g.raft.LeaderWithID()
	return string(addr)
}

// propose replicates a command and returns the FSM's apply result. The
// timeout is the remaining context budget capped at the configured apply
// timeout.
func (g *Group) propose(ctx context.Context, cmd Command) (interface{}, error) {
	data, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}

	timeout := g.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	fut := g.raft.Apply(data, timeout)
	if err := fut.Error(); err != nil {
		return nil, err
	}
	if applyErr, ok := fut.Response().(error); ok {
		return nil, applyErr
	}
	return fut.Response(), nil
}

// CommitIndex returns the group commit index as seen by this node.
func (g *Group) CommitIndex() uint64 {
	commit, err := strconv.ParseUint(g.raft.Stats()["commit_index"], 10, 64)
	if err != nil {
		return 0
	}
	return commit
}

// AppliedIndex returns the index the local FSM has applied up to.
func (g *Group) AppliedIndex() uint64 {
	return g.raft.AppliedIndex()
}

// ReplicationLag reports how far the local FSM trails the group commit index.
func (g *Group) ReplicationLag() uint64 {
	commit := g.CommitIndex()
	applied := g.raft.AppliedIndex()
	if commit <= applied {
		return 0
	}
	return commit - applied
}

// IsLeadershipError reports whether err means the local node cannot serve a
// mutation because it is not (or no longer) the group leader.
func IsLeadershipError(err error) bool {
	return errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost)
}

// Close shuts down raft and closes the stores
func (g *Group) Close() {
	if g.raft != nil {
		g.raft.Shutdown().Error()
	}
	if g.trans != nil {
		g.trans.Close()
	}
	if g.store != nil {
		_ = g.store.Close()
	}
	if g.stable != nil {
		_ = g.stable.Close()
	}
}
