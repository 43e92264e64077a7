package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"steward/pkg/cluster"
)

func TestPromoterStabilizesCaughtUpJoiner(t *testing.T) {
	group := newFakeGroup("node-1")
	group.commit = 100
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.Heartbeat(ctx, "node-2", 100))

	p := NewPromoter(group, mgr, PromoterConfig{MaxLag: 8})
	p.sweep()

	rec := group.record(t, "node-2")
	require.Equal(t, cluster.StabilityStable, rec.Stability)
	require.True(t, group.server(t, "node-2").voter)
}

func TestPromoterSkipsLaggingJoiner(t *testing.T) {
	group := newFakeGroup("node-1")
	group.commit = 100
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.Heartbeat(ctx, "node-2", 10))

	p := NewPromoter(group, mgr, PromoterConfig{MaxLag: 8})
	p.sweep()

	require.Equal(t, cluster.StabilityJoining, group.record(t, "node-2").Stability)
}

func TestPromoterSkipsStaleHeartbeat(t *testing.T) {
	group := newFakeGroup("node-1")
	group.commit = 100
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.Heartbeat(ctx, "node-2", 100))

	group.mu.Lock()
	rec := group.nodes["node-2"]
	rec.LastHeartbeat = time.Now().Add(-time.Hour).UnixMilli()
	group.nodes["node-2"] = rec
	group.mu.Unlock()

	p := NewPromoter(group, mgr, PromoterConfig{MaxLag: 8})
	p.sweep()

	require.Equal(t, cluster.StabilityJoining, group.record(t, "node-2").Stability)
}

func TestPromoterIdleOnFollowers(t *testing.T) {
	group := newFakeGroup("node-1")
	group.commit = 100
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.Heartbeat(ctx, "node-2", 100))

	group.mu.Lock()
	group.leader = false
	group.mu.Unlock()

	p := NewPromoter(group, mgr, PromoterConfig{MaxLag: 8})
	p.sweep()

	require.Equal(t, cluster.StabilityJoining, group.record(t, "node-2").Stability)
}
