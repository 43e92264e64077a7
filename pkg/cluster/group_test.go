package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"steward/storage"
)

type tcpLayer struct {
	net.Listener
}

func (l tcpLayer) Dial(address hraft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", string(address), timeout)
}

func newTestGroup(t *testing.T) *Group {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	st := storage.NewMemoryStore()
	g, err := Start(st, Config{
		NodeID:    "node-test",
		BindAddr:  ln.Addr().String(),
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, tcpLayer{Listener: ln})
	require.NoError(t, err)
	t.Cleanup(func() {
		g.Close()
		st.Close()
	})
	return g
}

func startTestGroup(t *testing.T) *Group {
	t.Helper()

	g := newTestGroup(t)
	require.Eventually(t, g.IsLeader, 15*time.Second, 50*time.Millisecond,
		"bootstrapped single node should elect itself")
	return g
}

func TestGroupSingleNode(t *testing.T) {
	g := startTestGroup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The epoch line starts at zero.
	current, err := g.CurrentEpoch(ctx)
	require.NoError(t, err)
	require.Zero(t, current)

	standing, claimed, err := g.ClaimEpoch(ctx, 1)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, int64(1), standing)

	// The standing epoch cannot be claimed twice.
	standing, claimed, err = g.ClaimEpoch(ctx, 1)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, int64(1), standing)

	obs, err := g.ObservedEpoch(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), obs)

	claims, err := g.EpochClaims(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, "node-test", claims[0].NodeID)

	// Membership records flow through the same replicated log.
	res, err := g.ProposeUpsertNode(ctx, NodeRecord{
		ID:            "node-test",
		Class:         ClassElectable,
		Stability:     StabilityStable,
		Host:          "127.0.0.1",
		Port:          7600,
		LastHeartbeat: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.False(t, res.Conflict)

	nodes, err := g.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "node-test", nodes[0].ID)

	found, err := g.ProposeHeartbeat(ctx, "node-test", time.Now().UnixMilli(), g.AppliedIndex())
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, g.ProposeQuorumOverride(ctx, 3))
	override, err := g.QuorumOverride(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, override)

	// Leadership surface used by discovery and redirects.
	require.Equal(t, "node-test", g.LeaderID())
	require.NotEmpty(t, g.LeaderTransportAddr())
	require.Positive(t, g.AppliedIndex())
	require.Positive(t, g.CommitIndex())
}

func TestGroupRejectsProposalsWithExpiredContext(t *testing.T) {
	g := startTestGroup(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err := g.ClaimEpoch(ctx, 1)
	require.Error(t, err)
}
