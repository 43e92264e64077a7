package cluster

import (
	"fmt"
	"net"
	"strconv"
)

// MembershipClass controls whether a node counts toward quorum.
type MembershipClass string

const (
	// ClassElectable nodes vote and can become leader.
	ClassElectable MembershipClass = "ELECTABLE"
	// ClassObserver nodes replicate state but never vote.
	ClassObserver MembershipClass = "OBSERVER"
)

// Stability marks whether a node has caught up with the replicated log.
type Stability string

const (
	// StabilityJoining nodes are registered but not yet caught up.
	StabilityJoining Stability = "JOINING"
	// StabilityStable nodes are fully caught up.
	StabilityStable Stability = "STABLE"
)

// NodeRecord is the replicated registry entry for one member.
type NodeRecord struct {
	ID            string          `msgpack:"id"`
	Class         MembershipClass `msgpack:"class"`
	Stability     Stability       `msgpack:"stability"`
	Host          string          `msgpack:"host"`
	Port          int             `msgpack:"port"`
	LastHeartbeat int64           `msgpack:"last_heartbeat"` // unix millis, proposer-supplied
	AppliedIndex  uint64          `msgpack:"applied_index"`  // self-reported via heartbeat
}

// Address returns the node's host:port form.
func (r NodeRecord) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ClaimRecord is written once per epoch value and never overwritten.
type ClaimRecord struct {
	Epoch     int64  `msgpack:"epoch"`
	NodeID    string `msgpack:"node_id"`
	ClaimedAt int64  `msgpack:"claimed_at"` // unix millis, proposer-supplied
}

// Replicated keyspace. Only the state machine writes under these keys.
const (
	KeyEpochCurrent   = "epoch/current"
	PrefixEpochClaim  = "epoch/claim/"
	PrefixNodes       = "nodes/"
	KeyQuorumOverride = "quorum/override"
)

func nodeKey(id string) string {
	return PrefixNodes + id
}

// claimKey zero-pads the epoch so claims scan in numeric order.
func claimKey(epoch int64) string {
	return fmt.Sprintf("%s%020d", PrefixEpochClaim, epoch)
}
