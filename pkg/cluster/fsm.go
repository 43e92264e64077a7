package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"steward/encoding"
	"steward/storage"
)

// FSM applies replicated coordination commands onto the local store. Apply
// runs serially on every replica with identical input, so all decisions in
// this file must depend only on the command payload and stored state, never
// on local time or node identity.
type FSM struct {
	st storage.Store
}

// NewFSM constructs the store-backed coordination state machine.
func NewFSM(st storage.Store) *FSM { return &FSM{st: st} }

func (f *FSM) Apply(l *hraft.Log) interface{} {
	var cmd Command
	if err := encoding.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	ctx := context.Background()
	switch cmd.Type {
	case CmdClaimEpoch:
		var req ClaimEpochRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applyClaimEpoch(ctx, req)
	case CmdUpsertNode:
		var req UpsertNodeRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applyUpsertNode(ctx, req)
	case CmdRemoveNode:
		var req RemoveNodeRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applyRemoveNode(ctx, req)
	case CmdSetStability:
		var req SetStabilityRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applySetStability(ctx, req)
	case CmdUpdateAddress:
		var req UpdateAddressRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applyUpdateAddress(ctx, req)
	case CmdHeartbeat:
		var req HeartbeatRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applyHeartbeat(ctx, req)
	case CmdSetQuorumOverride:
		var req SetQuorumOverrideRequest
		if err := encoding.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		return f.applySetQuorumOverride(ctx, req)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// applyClaimEpoch claims epoch e+1 with a conditional write. The claim key is
// written at most once across the lifetime of the group, which is what makes
// a successful claim proof of exclusive leadership at that epoch.
func (f *FSM) applyClaimEpoch(ctx context.Context, req ClaimEpochRequest) interface{} {
	current, err := f.currentEpoch(ctx)
	if err != nil {
		return err
	}

	if req.Epoch != current+1 {
		return ClaimEpochResult{Epoch: current, Claimed: false}
	}

	rec, err := encoding.Marshal(ClaimRecord{Epoch: req.Epoch, NodeID: req.NodeID, ClaimedAt: req.ProposedAt})
	if err != nil {
		return err
	}

	inserted, err := f.st.SetIfAbsent(ctx, claimKey(req.Epoch), rec)
	if err != nil {
		return err
	}
	if !inserted {
		return ClaimEpochResult{Epoch: current, Claimed: false}
	}

	if err := f.st.Set(ctx, KeyEpochCurrent, encodeEpoch(req.Epoch)); err != nil {
		return err
	}
	return ClaimEpochResult{Epoch: req.Epoch, Claimed: true}
}

func (f *FSM) applyUpsertNode(ctx context.Context, req UpsertNodeRequest) interface{} {
	rec := req.Record

	existing, found, err := f.loadNode(ctx, rec.ID)
	if err != nil {
		return err
	}
	if found && existing.LastHeartbeat > rec.LastHeartbeat {
		rec.LastHeartbeat = existing.LastHeartbeat
	}

	res, err := f.resolveAddress(ctx, rec.ID, rec.Host, rec.Port, rec.LastHeartbeat)
	if err != nil {
		return err
	}
	if res.Conflict {
		return res
	}

	if err := f.saveNode(ctx, rec); err != nil {
		return err
	}
	return res
}

func (f *FSM) applyRemoveNode(ctx context.Context, req RemoveNodeRequest) interface{} {
	_, found, err := f.loadNode(ctx, req.NodeID)
	if err != nil {
		return err
	}
	if !found {
		return NodeOpResult{Found: false}
	}
	if err := f.st.Delete(ctx, nodeKey(req.NodeID)); err != nil {
		return err
	}
	return NodeOpResult{Found: true}
}

func (f *FSM) applySetStability(ctx context.Context, req SetStabilityRequest) interface{} {
	rec, found, err := f.loadNode(ctx, req.NodeID)
	if err != nil {
		return err
	}
	if !found {
		return NodeOpResult{Found: false}
	}

	rec.Stability = req.Stability
	if err := f.saveNode(ctx, rec); err != nil {
		return err
	}
	return NodeOpResult{Found: true}
}

func (f *FSM) applyUpdateAddress(ctx context.Context, req UpdateAddressRequest) interface{} {
	rec, found, err := f.loadNode(ctx, req.NodeID)
	if err != nil {
		return err
	}
	if !found {
		return NodeOpResult{Found: false}
	}

	res, err := f.resolveAddress(ctx, req.NodeID, req.Host, req.Port, rec.LastHeartbeat)
	if err != nil {
		return err
	}
	if res.Conflict {
		return res
	}

	rec.Host = req.Host
	rec.Port = req.Port
	if req.ReportedAt > rec.LastHeartbeat {
		rec.LastHeartbeat = req.ReportedAt
	}
	if err := f.saveNode(ctx, rec); err != nil {
		return err
	}
	return res
}

func (f *FSM) applyHeartbeat(ctx context.Context, req HeartbeatRequest) interface{} {
	rec, found, err := f.loadNode(ctx, req.NodeID)
	if err != nil {
		return err
	}
	if !found {
		return NodeOpResult{Found: false}
	}

	changed := false
	if req.ObservedAt > rec.LastHeartbeat {
		rec.LastHeartbeat = req.ObservedAt
		changed = true
	}
	if req.AppliedIndex > rec.AppliedIndex {
		rec.AppliedIndex = req.AppliedIndex
		changed = true
	}
	if changed {
		if err := f.saveNode(ctx, rec); err != nil {
			return err
		}
	}
	return NodeOpResult{Found: true}
}

func (f *FSM) applySetQuorumOverride(ctx context.Context, req SetQuorumOverrideRequest) interface{} {
	if req.Override <= 0 {
		return f.st.Delete(ctx, KeyQuorumOverride)
	}
	return f.st.Set(ctx, KeyQuorumOverride, encodeEpoch(int64(req.Override)))
}

// resolveAddress decides whether nodeID may hold host:port. When another
// record holds the same address, the record with the more recent heartbeat
// wins and the losing record is logged, never silently dropped. Ties keep
// the standing record so replicas agree.
func (f *FSM) resolveAddress(ctx context.Context, nodeID, host string, port int, heartbeat int64) (UpdateAddressResult, error) {
	var holder NodeRecord
	var held bool

	err := f.st.Scan(ctx, PrefixNodes, func(key string, value []byte) error {
		var rec NodeRecord
		if err := encoding.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.ID != nodeID && rec.Host == host && rec.Port == port {
			holder = rec
			held = true
		}
		return nil
	})
	if err != nil {
		return UpdateAddressResult{}, err
	}
	if !held {
		return UpdateAddressResult{}, nil
	}

	if holder.LastHeartbeat >= heartbeat {
		log.Warn().
			Str("node_id", nodeID).
			Str("winner_id", holder.ID).
			Str("address", holder.Address()).
			Int64("winner_heartbeat", holder.LastHeartbeat).
			Int64("loser_heartbeat", heartbeat).
			Msg("address update discarded, holder heartbeat is more recent")
		return UpdateAddressResult{Conflict: true, WinnerID: holder.ID}, nil
	}

	log.Warn().
		Str("node_id", holder.ID).
		Str("winner_id", nodeID).
		Str("address", holder.Address()).
		Int64("stale_heartbeat", holder.LastHeartbeat).
		Msg("stale node record evicted, address reassigned")
	if err := f.st.Delete(ctx, nodeKey(holder.ID)); err != nil {
		return UpdateAddressResult{}, err
	}
	return UpdateAddressResult{WinnerID: nodeID, EvictedID: holder.ID}, nil
}

func (f *FSM) currentEpoch(ctx context.Context) (int64, error) {
	raw, found, err := f.st.Get(ctx, KeyEpochCurrent)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return decodeEpoch(raw), nil
}

func (f *FSM) loadNode(ctx context.Context, id string) (NodeRecord, bool, error) {
	raw, found, err := f.st.Get(ctx, nodeKey(id))
	if err != nil || !found {
		return NodeRecord{}, false, err
	}

	var rec NodeRecord
	if err := encoding.Unmarshal(raw, &rec); err != nil {
		return NodeRecord{}, false, err
	}
	return rec, true, nil
}

func (f *FSM) saveNode(ctx context.Context, rec NodeRecord) error {
	raw, err := encoding.Marshal(rec)
	if err != nil {
		return err
	}
	return f.st.Set(ctx, nodeKey(rec.ID), raw)
}

func encodeEpoch(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeEpoch(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

// Snapshot streams the store through zstd into the snapshot sink. The
// stream is the backend's native backup format, so every member of a group
// must run the same storage backend.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	return &fsmSnapshot{st: f.st}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return err
	}
	defer zr.Close()

	return f.st.Restore(zr)
}

type fsmSnapshot struct {
	st storage.Store
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	err := func() error {
		zw, err := zstd.NewWriter(sink)
		if err != nil {
			return err
		}
		if err := s.st.Snapshot(zw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
