package cluster

import (
	"github.com/vmihailenco/msgpack/v5"

	"steward/encoding"
)

// CommandType describes the replicated operation type.
type CommandType string

const (
	CmdClaimEpoch        CommandType = "CLAIM_EPOCH"
	CmdUpsertNode        CommandType = "UPSERT_NODE"
	CmdRemoveNode        CommandType = "REMOVE_NODE"
	CmdSetStability      CommandType = "SET_STABILITY"
	CmdUpdateAddress     CommandType = "UPDATE_ADDRESS"
	CmdHeartbeat         CommandType = "HEARTBEAT"
	CmdSetQuorumOverride CommandType = "SET_QUORUM_OVERRIDE"
)

// Command is the envelope replicated through the group log.
type Command struct {
	Version int                `msgpack:"v"`
	Type    CommandType        `msgpack:"t"`
	Payload msgpack.RawMessage `msgpack:"p"`
}

// NewCommand wraps a payload into a versioned envelope.
func NewCommand(t CommandType, payload interface{}) (Command, error) {
	raw, err := encoding.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Version: 1, Type: t, Payload: raw}, nil
}

// Marshal encodes the command to bytes.
func (c Command) Marshal() ([]byte, error) { return encoding.Marshal(c) }

// Command payloads. Timestamps are proposer-supplied so every replica applies
// identical bytes.

type ClaimEpochRequest struct {
	Epoch      int64  `msgpack:"epoch"`
	NodeID     string `msgpack:"node_id"`
	ProposedAt int64  `msgpack:"proposed_at"`
}

type UpsertNodeRequest struct {
	Record NodeRecord `msgpack:"record"`
}

type RemoveNodeRequest struct {
	NodeID string `msgpack:"node_id"`
}

type SetStabilityRequest struct {
	NodeID    string    `msgpack:"node_id"`
	Stability Stability `msgpack:"stability"`
}

type UpdateAddressRequest struct {
	NodeID     string `msgpack:"node_id"`
	Host       string `msgpack:"host"`
	Port       int    `msgpack:"port"`
	ReportedAt int64  `msgpack:"reported_at"`
}

type HeartbeatRequest struct {
	NodeID       string `msgpack:"node_id"`
	ObservedAt   int64  `msgpack:"observed_at"`
	AppliedIndex uint64 `msgpack:"applied_index"`
}

type SetQuorumOverrideRequest struct {
	Override int `msgpack:"override"`
}

// Apply results, returned in-process through the apply future.

type ClaimEpochResult struct {
	// Epoch is the claimed value on success, the standing value on conflict.
	Epoch   int64
	Claimed bool
}

type NodeOpResult struct {
	Found bool
}

type UpdateAddressResult struct {
	// Conflict is set when a more recently heartbeating node holds the address.
	Conflict bool
	WinnerID string
	// EvictedID names a stale record dropped in favor of the update, if any.
	EvictedID string
}
