package cluster

import (
	"context"
	"fmt"
	"time"

	"steward/encoding"
)

// CurrentEpoch returns the standing epoch with leader-linearizable freshness.
// The barrier forces every committed entry through the FSM before the local
// read, so a freshly elected leader sees the latest claim. Fails on
// non-leaders.
func (g *Group) CurrentEpoch(ctx context.Context) (int64, error) {
	timeout := g.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	if err := g.raft.Barrier(timeout).Error(); err != nil {
		return 0, err
	}
	return g.ObservedEpoch(ctx)
}

// ObservedEpoch returns the locally applied epoch without a freshness
// guarantee. Status surfaces use it; the fencing path does not.
func (g *Group) ObservedEpoch(ctx context.Context) (int64, error) {
	raw, found, err := g.st.Get(ctx, KeyEpochCurrent)
	if err != nil || !found {
		return 0, err
	}
	return decodeEpoch(raw), nil
}

// ClaimEpoch proposes a conditional claim of the given epoch value. Returns
// the standing epoch and whether this node's claim was the one applied.
func (g *Group) ClaimEpoch(ctx context.Context, epoch int64) (int64, bool, error) {
	cmd, err := NewCommand(CmdClaimEpoch, ClaimEpochRequest{
		Epoch:      epoch,
		NodeID:     g.localID,
		ProposedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, false, err
	}

	resp, err := g.propose(ctx, cmd)
	if err != nil {
		return 0, false, err
	}
	res, ok := resp.(ClaimEpochResult)
	if !ok {
		return 0, false, fmt.Errorf("unexpected apply response %T", resp)
	}
	return res.Epoch, res.Claimed, nil
}

// EpochClaims returns the most recent claim records, oldest first, capped at
// limit. Claims are append-only so this is the group's promotion history.
func (g *Group) EpochClaims(ctx context.Context, limit int) ([]ClaimRecord, error) {
	if limit <= 0 {
		limit = 32
	}

	claims := make([]ClaimRecord, 0, limit)
	err := g.st.Scan(ctx, PrefixEpochClaim, func(key string, value []byte) error {
		var rec ClaimRecord
		if err := encoding.Unmarshal(value, &rec); err != nil {
			return err
		}
		if len(claims) == limit {
			copy(claims, claims[1:])
			claims = claims[:limit-1]
		}
		claims = append(claims, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
