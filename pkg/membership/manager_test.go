package membership

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"steward/pkg/cluster"
)

type fakeServer struct {
	addr  string
	voter bool
}

// fakeGroup mimics the replication group in memory, including the state
// machine's address conflict resolution.
type fakeGroup struct {
	mu         sync.Mutex
	localID    string
	leader     bool
	leaderID   string
	leaderAddr string
	applied    uint64
	commit     uint64

	nodes    map[string]cluster.NodeRecord
	servers  map[string]fakeServer
	override int

	proposeErr error
}

func newFakeGroup(localID string) *fakeGroup {
	return &fakeGroup{
		localID:    localID,
		leader:     true,
		leaderID:   localID,
		leaderAddr: "127.0.0.1:7001",
		nodes:      make(map[string]cluster.NodeRecord),
		servers:    make(map[string]fakeServer),
	}
}

func (g *fakeGroup) LocalID() string { return g.localID }

func (g *fakeGroup) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

func (g *fakeGroup) LeaderID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaderID
}

func (g *fakeGroup) LeaderTransportAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaderAddr
}

func (g *fakeGroup) AppliedIndex() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

func (g *fakeGroup) CommitIndex() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commit
}

func (g *fakeGroup) ConfiguredServers() ([]cluster.GroupServer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]cluster.GroupServer, 0, len(g.servers))
	for id, s := range g.servers {
		out = append(out, cluster.GroupServer{ID: id, Address: s.addr, Voter: s.voter})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGroup) AddServer(ctx context.Context, id, address string, voter bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers[id] = fakeServer{addr: address, voter: voter}
	return nil
}

func (g *fakeGroup) RemoveServer(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.servers, id)
	return nil
}

func (g *fakeGroup) Nodes(ctx context.Context) ([]cluster.NodeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]cluster.NodeRecord, 0, len(g.nodes))
	for _, rec := range g.nodes {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGroup) Node(ctx context.Context, id string) (cluster.NodeRecord, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.nodes[id]
	return rec, ok, nil
}

func (g *fakeGroup) QuorumOverride(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.override, nil
}

func (g *fakeGroup) resolveAddress(id, host string, port int, heartbeat int64) cluster.UpdateAddressResult {
	for _, rec := range g.nodes {
		if rec.ID == id || rec.Host != host || rec.Port != port {
			continue
		}
		if rec.LastHeartbeat >= heartbeat {
			return cluster.UpdateAddressResult{Conflict: true, WinnerID: rec.ID}
		}
		delete(g.nodes, rec.ID)
		return cluster.UpdateAddressResult{WinnerID: id, EvictedID: rec.ID}
	}
	return cluster.UpdateAddressResult{}
}

func (g *fakeGroup) ProposeUpsertNode(ctx context.Context, rec cluster.NodeRecord) (cluster.UpdateAddressResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proposeErr != nil {
		return cluster.UpdateAddressResult{}, g.proposeErr
	}
	res := g.resolveAddress(rec.ID, rec.Host, rec.Port, rec.LastHeartbeat)
	if res.Conflict {
		return res, nil
	}
	g.nodes[rec.ID] = rec
	return res, nil
}

func (g *fakeGroup) ProposeRemoveNode(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proposeErr != nil {
		return false, g.proposeErr
	}
	if _, ok := g.nodes[id]; !ok {
		return false, nil
	}
	delete(g.nodes, id)
	return true, nil
}

func (g *fakeGroup) ProposeSetStability(ctx context.Context, id string, stability cluster.Stability) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proposeErr != nil {
		return false, g.proposeErr
	}
	rec, ok := g.nodes[id]
	if !ok {
		return false, nil
	}
	rec.Stability = stability
	g.nodes[id] = rec
	return true, nil
}

func (g *fakeGroup) ProposeHeartbeat(ctx context.Context, id string, observedAt int64, appliedIndex uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proposeErr != nil {
		return false, g.proposeErr
	}
	rec, ok := g.nodes[id]
	if !ok {
		return false, nil
	}
	if observedAt > rec.LastHeartbeat {
		rec.LastHeartbeat = observedAt
	}
	if appliedIndex > rec.AppliedIndex {
		rec.AppliedIndex = appliedIndex
	}
	g.nodes[id] = rec
	return true, nil
}

func (g *fakeGroup) ProposeUpdateAddress(ctx context.Context, req cluster.UpdateAddressRequest) (cluster.UpdateAddressResult, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proposeErr != nil {
		return cluster.UpdateAddressResult{}, false, g.proposeErr
	}
	rec, ok := g.nodes[req.NodeID]
	if !ok {
		return cluster.UpdateAddressResult{}, false, nil
	}
	res := g.resolveAddress(req.NodeID, req.Host, req.Port, rec.LastHeartbeat)
	if res.Conflict {
		return res, true, nil
	}
	rec.Host = req.Host
	rec.Port = req.Port
	if req.ReportedAt > rec.LastHeartbeat {
		rec.LastHeartbeat = req.ReportedAt
	}
	g.nodes[req.NodeID] = rec
	return res, true, nil
}

func (g *fakeGroup) ProposeQuorumOverride(ctx context.Context, override int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proposeErr != nil {
		return g.proposeErr
	}
	g.override = override
	return nil
}

func (g *fakeGroup) record(t *testing.T, id string) cluster.NodeRecord {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.nodes[id]
	require.True(t, ok, "node %s not found", id)
	return rec
}

func (g *fakeGroup) server(t *testing.T, id string) fakeServer {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.servers[id]
	require.True(t, ok, "server %s not configured", id)
	return s
}

func TestAddNodeStartsJoiningWithoutVote(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{QuorumMinimum: 2})

	require.NoError(t, mgr.AddNode(context.Background(), "node-2", "10.0.0.2", 7001, cluster.ClassElectable))

	rec := group.record(t, "node-2")
	require.Equal(t, cluster.StabilityJoining, rec.Stability)
	require.Equal(t, cluster.ClassElectable, rec.Class)

	srv := group.server(t, "node-2")
	require.False(t, srv.voter)

	// one joiner raises the requirement above the configured minimum
	status, err := mgr.Quorum(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, status.EffectiveQuorum)
	require.Equal(t, 3, status.Override)
	require.True(t, status.OverrideActive)
}

func TestAddNodeRejectsUnknownClass(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})

	err := mgr.AddNode(context.Background(), "node-2", "10.0.0.2", 7001, cluster.MembershipClass("ARBITER"))
	require.Error(t, err)
}

func TestQuorumOverrideLifecycle(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{QuorumMinimum: 2})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.AddNode(ctx, "node-3", "10.0.0.3", 7001, cluster.ClassElectable))

	status, err := mgr.Quorum(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.UnstableCount)
	require.Equal(t, 4, status.EffectiveQuorum)
	require.Equal(t, 4, status.Override)

	require.NoError(t, mgr.MarkStable(ctx, "node-2"))
	status, err = mgr.Quorum(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, status.Override)

	require.NoError(t, mgr.MarkStable(ctx, "node-3"))
	status, err = mgr.Quorum(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Override)
	require.False(t, status.OverrideActive)
	// the effective requirement never drops below the configured minimum
	require.Equal(t, 2, status.EffectiveQuorum)
}

func TestMarkStablePromotesOnlyElectables(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.AddNode(ctx, "node-3", "10.0.0.3", 7001, cluster.ClassObserver))

	require.NoError(t, mgr.MarkStable(ctx, "node-2"))
	require.NoError(t, mgr.MarkStable(ctx, "node-3"))

	require.True(t, group.server(t, "node-2").voter)
	require.False(t, group.server(t, "node-3").voter)
}

func TestMarkUnstableRaisesOverrideAgain(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{QuorumMinimum: 1})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.MarkStable(ctx, "node-2"))

	status, err := mgr.Quorum(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Override)

	require.NoError(t, mgr.MarkUnstable(ctx, "node-2"))
	status, err = mgr.Quorum(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Override)
	// the member keeps its vote, the raised quorum is the protection
	require.True(t, group.server(t, "node-2").voter)
}

func TestRemoveNodeUnknownMember(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})

	err := mgr.RemoveNode(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestRemoveNodeClearsConfiguration(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	require.NoError(t, mgr.RemoveNode(ctx, "node-2"))

	group.mu.Lock()
	_, hasNode := group.nodes["node-2"]
	_, hasServer := group.servers["node-2"]
	group.mu.Unlock()
	require.False(t, hasNode)
	require.False(t, hasServer)
}

func TestUpdateNodeAddressConflictRejected(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	// holder heartbeats far in the future so it always wins
	group.nodes["node-2"] = cluster.NodeRecord{
		ID: "node-2", Class: cluster.ClassElectable, Stability: cluster.StabilityStable,
		Host: "10.0.0.2", Port: 7001,
		LastHeartbeat: time.Now().Add(time.Hour).UnixMilli(),
	}
	group.nodes["node-3"] = cluster.NodeRecord{
		ID: "node-3", Class: cluster.ClassElectable, Stability: cluster.StabilityStable,
		Host: "10.0.0.3", Port: 7001,
		LastHeartbeat: time.Now().Add(-time.Hour).UnixMilli(),
	}

	err := mgr.UpdateNodeAddress(ctx, "node-3", "10.0.0.2", 7001)

	var conflict *AddressConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "node-2", conflict.WinnerID)
	require.Equal(t, "node-3", conflict.NodeID)

	// the loser's record is untouched
	require.Equal(t, "10.0.0.3", group.record(t, "node-3").Host)
}

func TestUpdateNodeAddressEvictsStaleHolder(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	group.nodes["node-2"] = cluster.NodeRecord{
		ID: "node-2", Class: cluster.ClassElectable, Stability: cluster.StabilityStable,
		Host: "10.0.0.2", Port: 7001,
		LastHeartbeat: time.Now().Add(-time.Hour).UnixMilli(),
	}
	group.servers["node-2"] = fakeServer{addr: "10.0.0.2:7001", voter: true}
	group.nodes["node-3"] = cluster.NodeRecord{
		ID: "node-3", Class: cluster.ClassElectable, Stability: cluster.StabilityStable,
		Host: "10.0.0.3", Port: 7001,
		LastHeartbeat: time.Now().UnixMilli(),
	}

	require.NoError(t, mgr.UpdateNodeAddress(ctx, "node-3", "10.0.0.2", 7001))

	group.mu.Lock()
	_, staleNode := group.nodes["node-2"]
	_, staleServer := group.servers["node-2"]
	group.mu.Unlock()
	require.False(t, staleNode)
	require.False(t, staleServer)

	rec := group.record(t, "node-3")
	require.Equal(t, "10.0.0.2", rec.Host)
	require.True(t, group.server(t, "node-3").voter)
}

func TestUpdateNodeAddressUnknownMember(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})

	err := mgr.UpdateNodeAddress(context.Background(), "ghost", "10.0.0.9", 7001)
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestMutationsWrapLeadershipErrors(t *testing.T) {
	group := newFakeGroup("node-1")
	group.proposeErr = hraft.ErrNotLeader
	group.leaderID = "node-2"
	group.leaderAddr = "10.0.0.2:7001"
	mgr := NewManager(group, Config{})

	err := mgr.AddNode(context.Background(), "node-9", "10.0.0.9", 7001, cluster.ClassElectable)

	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
	require.Equal(t, "node-2", notLeader.LeaderID)
	require.Equal(t, "10.0.0.2:7001", notLeader.LeaderAddr)
}

func TestHeartbeatAdvancesRecord(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassElectable))
	before := group.record(t, "node-2")

	require.NoError(t, mgr.Heartbeat(ctx, "node-2", 42))

	after := group.record(t, "node-2")
	require.GreaterOrEqual(t, after.LastHeartbeat, before.LastHeartbeat)
	require.Equal(t, uint64(42), after.AppliedIndex)

	require.ErrorIs(t, mgr.Heartbeat(ctx, "ghost", 1), ErrMemberNotFound)
}

func TestMembersMergesConfiguration(t *testing.T) {
	group := newFakeGroup("node-1")
	mgr := NewManager(group, Config{})
	ctx := context.Background()

	require.NoError(t, mgr.RegisterSelf(ctx, "10.0.0.1", 7001, cluster.ClassElectable))
	group.servers["node-1"] = fakeServer{addr: "10.0.0.1:7001", voter: true}
	require.NoError(t, mgr.AddNode(ctx, "node-2", "10.0.0.2", 7001, cluster.ClassObserver))

	members, err := mgr.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)

	require.Equal(t, "node-1", members[0].Record.ID)
	require.True(t, members[0].Voter)
	require.True(t, members[0].Leader)
	require.Equal(t, cluster.StabilityStable, members[0].Record.Stability)

	require.Equal(t, "node-2", members[1].Record.ID)
	require.False(t, members[1].Voter)
	require.False(t, members[1].Leader)
}
