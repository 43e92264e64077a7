// Package membership tracks the replicated node registry: who is in the
// cluster, whether they are caught up, and how many stable voters the group
// needs before coordination may proceed.
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"steward/pkg/cluster"
	"steward/telemetry"
)

// Group is the slice of the replication group the manager drives. Implemented
// by cluster.Group.
type Group interface {
	LocalID() string
	IsLeader() bool
	LeaderID() string
	LeaderTransportAddr() string
	AppliedIndex() uint64
	CommitIndex() uint64

	ConfiguredServers() ([]cluster.GroupServer, error)
	AddServer(ctx context.Context, id, address string, voter bool) error
	RemoveServer(ctx context.Context, id string) error

	Nodes(ctx context.Context) ([]cluster.NodeRecord, error)
	Node(ctx context.Context, id string) (cluster.NodeRecord, bool, error)
	QuorumOverride(ctx context.Context) (int, error)

	ProposeUpsertNode(ctx context.Context, rec cluster.NodeRecord) (cluster.UpdateAddressResult, error)
	ProposeRemoveNode(ctx context.Context, id string) (bool, error)
	ProposeSetStability(ctx context.Context, id string, stability cluster.Stability) (bool, error)
	ProposeHeartbeat(ctx context.Context, id string, observedAt int64, appliedIndex uint64) (bool, error)
	ProposeUpdateAddress(ctx context.Context, req cluster.UpdateAddressRequest) (cluster.UpdateAddressResult, bool, error)
	ProposeQuorumOverride(ctx context.Context, override int) error
}

// Config tunes the membership layer.
type Config struct {
	// QuorumMinimum is the floor for the effective quorum. Unstable members
	// raise the requirement above it, never below.
	QuorumMinimum int
}

func (c *Config) applyDefaults() {
	if c.QuorumMinimum <= 0 {
		c.QuorumMinimum = 1
	}
}

// QuorumStatus is the current quorum arithmetic.
type QuorumStatus struct {
	ConfiguredMinimum int  `json:"configured_minimum"`
	UnstableCount     int  `json:"unstable_count"`
	EffectiveQuorum   int  `json:"effective_quorum"`
	Override          int  `json:"override"`
	OverrideActive    bool `json:"override_active"`
}

// Member joins a replicated node record with its raft configuration entry.
type Member struct {
	Record cluster.NodeRecord
	Voter  bool
	Leader bool
}

// Manager executes membership mutations. Mutations replicate through the
// group log, so they succeed only on the leader; non-leader calls return a
// NotLeaderError carrying the leader's address.
type Manager struct {
	group   Group
	minimum int
}

// NewManager builds a manager over the given group.
func NewManager(group Group, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{group: group, minimum: cfg.QuorumMinimum}
}

// AddNode registers a node. New members always start unstable and replicate
// without a vote; MarkStable promotes electable members to voters once they
// have caught up.
func (m *Manager) AddNode(ctx context.Context, id, host string, port int, class cluster.MembershipClass) error {
	if class != cluster.ClassElectable && class != cluster.ClassObserver {
		return fmt.Errorf("unknown membership class %q", class)
	}

	rec := cluster.NodeRecord{
		ID:            id,
		Class:         class,
		Stability:     cluster.StabilityJoining,
		Host:          host,
		Port:          port,
		LastHeartbeat: time.Now().UnixMilli(),
	}

	res, err := m.group.ProposeUpsertNode(ctx, rec)
	if err != nil {
		telemetry.MembershipChangesTotal.With("add", "error").Inc()
		return m.wrapLeadership(err)
	}
	if res.Conflict {
		telemetry.MembershipChangesTotal.With("add", "conflict").Inc()
		return &AddressConflictError{NodeID: id, WinnerID: res.WinnerID, Host: host, Port: port}
	}
	if res.EvictedID != "" {
		m.dropServer(ctx, res.EvictedID)
	}

	if err := m.group.AddServer(ctx, id, rec.Address(), false); err != nil {
		telemetry.MembershipChangesTotal.With("add", "error").Inc()
		return m.wrapLeadership(err)
	}

	telemetry.MembershipChangesTotal.With("add", "ok").Inc()
	log.Info().
		Str("node_id", id).
		Str("address", rec.Address()).
		Str("class", string(class)).
		Msg("node registered, joining")
	return m.recomputeOverride(ctx)
}

// RegisterSelf writes this node's own record as stable. Used by the
// bootstrap node once it holds leadership; its log is trivially caught up.
func (m *Manager) RegisterSelf(ctx context.Context, host string, port int, class cluster.MembershipClass) error {
	rec := cluster.NodeRecord{
		ID:            m.group.LocalID(),
		Class:         class,
		Stability:     cluster.StabilityStable,
		Host:          host,
		Port:          port,
		LastHeartbeat: time.Now().UnixMilli(),
	}

	res, err := m.group.ProposeUpsertNode(ctx, rec)
	if err != nil {
		return m.wrapLeadership(err)
	}
	if res.Conflict {
		return &AddressConflictError{NodeID: rec.ID, WinnerID: res.WinnerID, Host: host, Port: port}
	}
	log.Info().Str("node_id", rec.ID).Str("address", rec.Address()).Msg("local node registered")
	return m.recomputeOverride(ctx)
}

// RemoveNode drops a member's record and its place in the configuration.
func (m *Manager) RemoveNode(ctx context.Context, id string) error {
	found, err := m.group.ProposeRemoveNode(ctx, id)
	if err != nil {
		telemetry.MembershipChangesTotal.With("remove", "error").Inc()
		return m.wrapLeadership(err)
	}
	if !found {
		telemetry.MembershipChangesTotal.With("remove", "unknown").Inc()
		return fmt.Errorf("remove %s: %w", id, ErrMemberNotFound)
	}

	if err := m.group.RemoveServer(ctx, id); err != nil {
		telemetry.MembershipChangesTotal.With("remove", "error").Inc()
		return m.wrapLeadership(err)
	}

	telemetry.MembershipChangesTotal.With("remove", "ok").Inc()
	log.Info().Str("node_id", id).Msg("node removed")
	return m.recomputeOverride(ctx)
}

// MarkStable records that a member has caught up. Electable members get
// their vote here; until then they replicate as non-voters.
func (m *Manager) MarkStable(ctx context.Context, id string) error {
	found, err := m.group.ProposeSetStability(ctx, id, cluster.StabilityStable)
	if err != nil {
		telemetry.MembershipChangesTotal.With("stabilize", "error").Inc()
		return m.wrapLeadership(err)
	}
	if !found {
		telemetry.MembershipChangesTotal.With("stabilize", "unknown").Inc()
		return fmt.Errorf("stabilize %s: %w", id, ErrMemberNotFound)
	}

	rec, recFound, err := m.group.Node(ctx, id)
	if err != nil {
		return err
	}
	if recFound && rec.Class == cluster.ClassElectable {
		if err := m.group.AddServer(ctx, id, rec.Address(), true); err != nil {
			telemetry.MembershipChangesTotal.With("stabilize", "error").Inc()
			return m.wrapLeadership(err)
		}
	}

	telemetry.MembershipChangesTotal.With("stabilize", "ok").Inc()
	log.Info().Str("node_id", id).Msg("member marked stable")
	return m.recomputeOverride(ctx)
}

// MarkUnstable flags a member as not caught up. The member keeps its vote;
// the raised quorum requirement is what protects the group from it.
func (m *Manager) MarkUnstable(ctx context.Context, id string) error {
	found, err := m.group.ProposeSetStability(ctx, id, cluster.StabilityJoining)
	if err != nil {
		telemetry.MembershipChangesTotal.With("destabilize", "error").Inc()
		return m.wrapLeadership(err)
	}
	if !found {
		telemetry.MembershipChangesTotal.With("destabilize", "unknown").Inc()
		return fmt.Errorf("destabilize %s: %w", id, ErrMemberNotFound)
	}

	telemetry.MembershipChangesTotal.With("destabilize", "ok").Inc()
	log.Warn().Str("node_id", id).Msg("member marked unstable")
	return m.recomputeOverride(ctx)
}

// UpdateNodeAddress moves a member to a new address. When another record
// holds the address, the record with the more recent heartbeat wins; a
// rejected update surfaces as AddressConflictError, and a stale holder is
// evicted from both the registry and the configuration.
func (m *Manager) UpdateNodeAddress(ctx context.Context, id, host string, port int) error {
	req := cluster.UpdateAddressRequest{
		NodeID:     id,
		Host:       host,
		Port:       port,
		ReportedAt: time.Now().UnixMilli(),
	}

	res, found, err := m.group.ProposeUpdateAddress(ctx, req)
	if err != nil {
		telemetry.MembershipChangesTotal.With("set_address", "error").Inc()
		return m.wrapLeadership(err)
	}
	if !found {
		telemetry.MembershipChangesTotal.With("set_address", "unknown").Inc()
		return fmt.Errorf("update address of %s: %w", id, ErrMemberNotFound)
	}
	if res.Conflict {
		telemetry.MembershipChangesTotal.With("set_address", "conflict").Inc()
		return &AddressConflictError{NodeID: id, WinnerID: res.WinnerID, Host: host, Port: port}
	}
	if res.EvictedID != "" {
		m.dropServer(ctx, res.EvictedID)
	}

	voter := false
	if rec, recFound, err := m.group.Node(ctx, id); err == nil && recFound {
		voter = rec.Class == cluster.ClassElectable && rec.Stability == cluster.StabilityStable
	}
	addr := cluster.NodeRecord{Host: host, Port: port}.Address()
	if err := m.group.AddServer(ctx, id, addr, voter); err != nil {
		telemetry.MembershipChangesTotal.With("set_address", "error").Inc()
		return m.wrapLeadership(err)
	}

	telemetry.MembershipChangesTotal.With("set_address", "ok").Inc()
	log.Info().Str("node_id", id).Str("address", addr).Msg("node address updated")
	return nil
}

// Heartbeat records liveness and replication progress for a member. The
// timestamp is assigned here so heartbeat comparisons all use one clock.
func (m *Manager) Heartbeat(ctx context.Context, id string, appliedIndex uint64) error {
	found, err := m.group.ProposeHeartbeat(ctx, id, time.Now().UnixMilli(), appliedIndex)
	if err != nil {
		return m.wrapLeadership(err)
	}
	if !found {
		return fmt.Errorf("heartbeat from %s: %w", id, ErrMemberNotFound)
	}
	return nil
}

// Members merges the replicated registry with the raft configuration.
func (m *Manager) Members(ctx context.Context) ([]Member, error) {
	nodes, err := m.group.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	servers, err := m.group.ConfiguredServers()
	if err != nil {
		return nil, err
	}

	voters := make(map[string]bool, len(servers))
	for _, s := range servers {
		voters[s.ID] = s.Voter
	}
	leaderID := m.group.LeaderID()

	members := make([]Member, 0, len(nodes))
	for _, rec := range nodes {
		members = append(members, Member{
			Record: rec,
			Voter:  voters[rec.ID],
			Leader: rec.ID == leaderID,
		})
	}
	return members, nil
}

// Member returns one member's merged view.
func (m *Manager) Member(ctx context.Context, id string) (Member, error) {
	rec, found, err := m.group.Node(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if !found {
		return Member{}, fmt.Errorf("member %s: %w", id, ErrMemberNotFound)
	}

	voter := false
	if servers, err := m.group.ConfiguredServers(); err == nil {
		for _, s := range servers {
			if s.ID == id {
				voter = s.Voter
			}
		}
	}
	return Member{Record: rec, Voter: voter, Leader: id == m.group.LeaderID()}, nil
}

// Quorum computes the current quorum arithmetic. Every unstable member
// raises the effective requirement by one above the configured minimum.
func (m *Manager) Quorum(ctx context.Context) (QuorumStatus, error) {
	nodes, err := m.group.Nodes(ctx)
	if err != nil {
		return QuorumStatus{}, err
	}

	unstable := 0
	counts := make(map[[2]string]int)
	for _, rec := range nodes {
		if rec.Stability == cluster.StabilityJoining {
			unstable++
		}
		counts[[2]string{string(rec.Class), string(rec.Stability)}]++
	}
	for _, class := range []cluster.MembershipClass{cluster.ClassElectable, cluster.ClassObserver} {
		for _, stability := range []cluster.Stability{cluster.StabilityJoining, cluster.StabilityStable} {
			n := counts[[2]string{string(class), string(stability)}]
			telemetry.ClusterNodes.With(string(class), string(stability)).Set(float64(n))
		}
	}

	override, err := m.group.QuorumOverride(ctx)
	if err != nil {
		return QuorumStatus{}, err
	}

	status := QuorumStatus{
		ConfiguredMinimum: m.minimum,
		UnstableCount:     unstable,
		EffectiveQuorum:   max(m.minimum, m.minimum+unstable),
		Override:          override,
		OverrideActive:    override > 0,
	}
	telemetry.QuorumEffective.Set(float64(status.EffectiveQuorum))
	telemetry.QuorumOverride.Set(float64(status.Override))
	return status, nil
}

// recomputeOverride replicates the effective quorum while any member is
// unstable and clears it once the last one stabilizes.
func (m *Manager) recomputeOverride(ctx context.Context) error {
	status, err := m.Quorum(ctx)
	if err != nil {
		return err
	}

	desired := 0
	if status.UnstableCount > 0 {
		desired = status.EffectiveQuorum
	}
	if desired == status.Override {
		return nil
	}

	if err := m.group.ProposeQuorumOverride(ctx, desired); err != nil {
		return m.wrapLeadership(err)
	}

	evt := log.Info().Int("override", desired).Int("unstable", status.UnstableCount)
	if desired == 0 {
		evt.Msg("quorum override cleared, all members stable")
	} else {
		evt.Msg("quorum override raised for unstable members")
	}
	telemetry.QuorumOverride.Set(float64(desired))
	return nil
}

// dropServer removes an evicted node from the raft configuration. The record
// is already gone; failing here leaves a harmless stale config entry that the
// next mutation retries, so the error is only logged.
func (m *Manager) dropServer(ctx context.Context, id string) {
	if err := m.group.RemoveServer(ctx, id); err != nil {
		log.Warn().Err(err).Str("node_id", id).Msg("failed to drop evicted node from configuration")
	} else {
		log.Info().Str("node_id", id).Msg("evicted node dropped from configuration")
	}
}

func (m *Manager) wrapLeadership(err error) error {
	if err == nil {
		return nil
	}
	if cluster.IsLeadershipError(err) {
		return &NotLeaderError{LeaderID: m.group.LeaderID(), LeaderAddr: m.group.LeaderTransportAddr()}
	}
	return err
}
