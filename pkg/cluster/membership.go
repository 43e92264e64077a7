package cluster

import (
	"context"
	"fmt"
	"sort"

	hraft "github.com/hashicorp/raft"

	"steward/encoding"
)

// GroupServer is one entry of the raft voting configuration.
type GroupServer struct {
	ID      string
	Address string
	Voter   bool
}

// ConfiguredServers returns the current raft configuration.
func (g *Group) ConfiguredServers() ([]GroupServer, error) {
	future := g.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}

	cfg := future.Configuration()
	servers := make([]GroupServer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, GroupServer{
			ID:      string(s.ID),
			Address: string(s.Address),
			Voter:   s.Suffrage == hraft.Voter,
		})
	}
	return servers, nil
}

// AddServer adds a server to the raft configuration. Voters count toward
// quorum; non-voters replicate only. Adding an existing non-voter as a voter
// promotes it in place.
func (g *Group) AddServer(ctx context.Context, id, address string, voter bool) error {
	future := g.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return err
	}
	for _, s := range future.Configuration().Servers {
		if s.ID == hraft.ServerID(id) && s.Address == hraft.ServerAddress(address) {
			if (s.Suffrage == hraft.Voter) == voter {
				// already a member in the requested mode
				return nil
			}
		}
	}

	var f hraft.IndexFuture
	if voter {
		f = g.raft.AddVoter(hraft.ServerID(id), hraft.ServerAddress(address), 0, 0)
	} else {
		f = g.raft.AddNonvoter(hraft.ServerID(id), hraft.ServerAddress(address), 0, 0)
	}
	return f.Error()
}

// RemoveServer removes a server from the raft configuration.
func (g *Group) RemoveServer(ctx context.Context, id string) error {
	return g.raft.RemoveServer(hraft.ServerID(id), 0, 0).Error()
}

// Nodes returns the replicated node records ordered by id. The read is
// local; callers on the promotion path go through linearizable accessors.
func (g *Group) Nodes(ctx context.Context) ([]NodeRecord, error) {
	var nodes []NodeRecord
	err := g.st.Scan(ctx, PrefixNodes, func(key string, value []byte) error {
		var rec NodeRecord
		if err := encoding.Unmarshal(value, &rec); err != nil {
			return err
		}
		nodes = append(nodes, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Node returns a single replicated node record.
func (g *Group) Node(ctx context.Context, id string) (NodeRecord, bool, error) {
	raw, found, err := g.st.Get(ctx, nodeKey(id))
	if err != nil || !found {
		return NodeRecord{}, false, err
	}

	var rec NodeRecord
	if err := encoding.Unmarshal(raw, &rec); err != nil {
		return NodeRecord{}, false, err
	}
	return rec, true, nil
}

// QuorumOverride returns the replicated quorum override, 0 when none is set.
func (g *Group) QuorumOverride(ctx context.Context) (int, error) {
	raw, found, err := g.st.Get(ctx, KeyQuorumOverride)
	if err != nil || !found {
		return 0, err
	}
	return int(decodeEpoch(raw)), nil
}

// Proposal wrappers. Each replicates a command and waits for the commit, so
// a nil error means every current member will apply the change.

func (g *Group) ProposeUpsertNode(ctx context.Context, rec NodeRecord) (UpdateAddressResult, error) {
	cmd, err := NewCommand(CmdUpsertNode, UpsertNodeRequest{Record: rec})
	if err != nil {
		return UpdateAddressResult{}, err
	}
	resp, err := g.propose(ctx, cmd)
	if err != nil {
		return UpdateAddressResult{}, err
	}
	res, ok := resp.(UpdateAddressResult)
	if !ok {
		return UpdateAddressResult{}, fmt.Errorf("unexpected apply response %T", resp)
	}
	return res, nil
}

func (g *Group) ProposeRemoveNode(ctx context.Context, id string) (bool, error) {
	cmd, err := NewCommand(CmdRemoveNode, RemoveNodeRequest{NodeID: id})
	if err != nil {
		return false, err
	}
	return g.proposeNodeOp(ctx, cmd)
}

func (g *Group) ProposeSetStability(ctx context.Context, id string, stability Stability) (bool, error) {
	cmd, err := NewCommand(CmdSetStability, SetStabilityRequest{NodeID: id, Stability: stability})
	if err != nil {
		return false, err
	}
	return g.proposeNodeOp(ctx, cmd)
}

func (g *Group) ProposeHeartbeat(ctx context.Context, id string, observedAt int64, appliedIndex uint64) (bool, error) {
	cmd, err := NewCommand(CmdHeartbeat, HeartbeatRequest{NodeID: id, ObservedAt: observedAt, AppliedIndex: appliedIndex})
	if err != nil {
		return false, err
	}
	return g.proposeNodeOp(ctx, cmd)
}

func (g *Group) ProposeUpdateAddress(ctx context.Context, req UpdateAddressRequest) (UpdateAddressResult, bool, error) {
	cmd, err := NewCommand(CmdUpdateAddress, req)
	if err != nil {
		return UpdateAddressResult{}, false, err
	}
	resp, err := g.propose(ctx, cmd)
	if err != nil {
		return UpdateAddressResult{}, false, err
	}
	switch res := resp.(type) {
	case NodeOpResult:
		return UpdateAddressResult{}, res.Found, nil
	case UpdateAddressResult:
		return res, true, nil
	default:
		return UpdateAddressResult{}, false, fmt.Errorf("unexpected apply response %T", resp)
	}
}

func (g *Group) ProposeQuorumOverride(ctx context.Context, override int) error {
	cmd, err := NewCommand(CmdSetQuorumOverride, SetQuorumOverrideRequest{Override: override})
	if err != nil {
		return err
	}
	_, err = g.propose(ctx, cmd)
	return err
}

func (g *Group) proposeNodeOp(ctx context.Context, cmd Command) (bool, error) {
	resp, err := g.propose(ctx, cmd)
	if err != nil {
		return false, err
	}
	res, ok := resp.(NodeOpResult)
	if !ok {
		return false, fmt.Errorf("unexpected apply response %T", resp)
	}
	return res.Found, nil
}
