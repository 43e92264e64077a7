// Package fencing issues monotonically increasing leadership epochs on top
// of the replicated cluster store. A node that wins an epoch claim owns that
// epoch exclusively; a node that loses observes the standing epoch and backs
// off to the coordination layer instead of retrying.
package fencing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"steward/telemetry"
)

const (
	// attempts covers the initial try plus retries for store failures.
	defaultAttempts = 3
	// backoff between attempts is fixed, not exponential. Fencing runs on
	// the transition path where predictable latency matters more than
	// congestion avoidance.
	defaultBackoff = 2 * time.Second
)

// EpochStore is the slice of the cluster store the coordinator needs.
type EpochStore interface {
	// CurrentEpoch returns the standing epoch, 0 when none was ever claimed.
	CurrentEpoch(ctx context.Context) (int64, error)

	// ClaimEpoch atomically claims the given epoch. When the claim loses to
	// a concurrent winner it returns the standing epoch and claimed=false.
	ClaimEpoch(ctx context.Context, epoch int64) (current int64, claimed bool, err error)
}

// Config tunes the claim retry loop.
type Config struct {
	Attempts int
	Backoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
}

// Coordinator drives epoch claims for one node.
type Coordinator struct {
	store    EpochStore
	nodeID   string
	attempts int
	backoff  time.Duration
}

// NewCoordinator builds a coordinator over the given store.
func NewCoordinator(store EpochStore, nodeID string, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		store:    store,
		nodeID:   nodeID,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
	}
}

// Fence claims the next epoch. On success the returned epoch is strictly
// greater than every previously granted one and owned by this node alone.
//
// A lost race returns ErrEpochClaimed immediately together with the standing
// epoch; the caller must not retry, another node holds the fence. Store
// failures are retried with a fixed backoff; once attempts are exhausted the
// standing epoch is unchanged and ErrUnavailable is returned.
func (c *Coordinator) Fence(ctx context.Context) (int64, error) {
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				telemetry.FencingAttemptsTotal.With("unavailable").Inc()
				return 0, &UnavailableError{Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(c.backoff):
			}
		}

		epoch, err := c.fenceOnce(ctx)
		if err == nil {
			telemetry.FencingAttemptsTotal.With("won").Inc()
			telemetry.FencingDurationSeconds.Observe(time.Since(started).Seconds())
			telemetry.CurrentEpoch.Set(float64(epoch))
			log.Info().
				Str("node_id", c.nodeID).
				Int64("epoch", epoch).
				Int("attempt", attempt).
				Msg("epoch claimed")
			return epoch, nil
		}

		if conflict, ok := err.(*ConflictError); ok {
			telemetry.FencingAttemptsTotal.With("lost").Inc()
			log.Warn().
				Str("node_id", c.nodeID).
				Int64("standing_epoch", conflict.Standing).
				Msg("epoch claim lost to concurrent winner")
			return conflict.Standing, err
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("node_id", c.nodeID).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Msg("epoch claim attempt failed")
	}

	telemetry.FencingAttemptsTotal.With("unavailable").Inc()
	return 0, &UnavailableError{Attempts: c.attempts, Err: lastErr}
}

// fenceOnce performs a single read-then-claim cycle.
func (c *Coordinator) fenceOnce(ctx context.Context) (int64, error) {
	current, err := c.store.CurrentEpoch(ctx)
	if err != nil {
		return 0, err
	}

	next := current + 1
	standing, claimed, err := c.store.ClaimEpoch(ctx, next)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, &ConflictError{Attempted: next, Standing: standing}
	}
	return next, nil
}
