package membership

import (
	"context"
	"time"

	"steward/telemetry"
)

const (
	// Discovery must answer quickly enough for transition decisions but
	// still ride out an election, so the timeout is clamped to this band.
	minDiscoveryTimeout = 100 * time.Millisecond
	maxDiscoveryTimeout = time.Second

	discoveryPollInterval = 20 * time.Millisecond
)

// LeaderInfo identifies the current leader.
type LeaderInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Local   bool   `json:"local"`
}

// DiscoveryConfig tunes leader discovery.
type DiscoveryConfig struct {
	Timeout time.Duration
}

// LeaderDiscovery answers "who leads right now" within a bounded window.
type LeaderDiscovery struct {
	group   Group
	timeout time.Duration
}

// NewLeaderDiscovery clamps the configured timeout into the allowed band.
func NewLeaderDiscovery(group Group, cfg DiscoveryConfig) *LeaderDiscovery {
	timeout := cfg.Timeout
	if timeout < minDiscoveryTimeout {
		timeout = minDiscoveryTimeout
	}
	if timeout > maxDiscoveryTimeout {
		timeout = maxDiscoveryTimeout
	}
	return &LeaderDiscovery{group: group, timeout: timeout}
}

// Leader returns the current leader. During an election it polls until one
// emerges or the window closes; ErrNoLeader is transient and callers are
// expected to retry on their own schedule.
func (d *LeaderDiscovery) Leader(ctx context.Context) (LeaderInfo, error) {
	started := time.Now()
	deadline := started.Add(d.timeout)

	for {
		if id := d.group.LeaderID(); id != "" {
			telemetry.LeaderDiscoveryTotal.With("ok").Inc()
			telemetry.LeaderDiscoverySeconds.Observe(time.Since(started).Seconds())
			return LeaderInfo{
				ID:      id,
				Address: d.group.LeaderTransportAddr(),
				Local:   id == d.group.LocalID(),
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			telemetry.LeaderDiscoveryTotal.With("none").Inc()
			return LeaderInfo{}, ErrNoLeader
		}

		wait := discoveryPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			telemetry.LeaderDiscoveryTotal.With("none").Inc()
			return LeaderInfo{}, ErrNoLeader
		case <-time.After(wait):
		}
	}
}
