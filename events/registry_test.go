package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"steward/pkg/ha"
)

func init() {
	RegisterSink("recorder", func(config SinkConfig) (Sink, error) {
		return &mockSink{}, nil
	})
}

func TestRegistryUnknownSinkType(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		NodeID: "node-1",
		Hub:    ha.NewHub(),
		SinkConfigs: []SinkConfig{
			{Name: "bad", Type: "carrier-pigeon"},
		},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown sink type")
}

func TestRegistryRequiresHub(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{NodeID: "node-1"})
	require.Error(t, err)
}

func TestRegistryInvalidFilterPattern(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		NodeID: "node-1",
		Hub:    ha.NewHub(),
		SinkConfigs: []SinkConfig{
			{Name: "bad", Type: "recorder", Patterns: []string{"[broken"}},
		},
	})
	require.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	hub := ha.NewHub()
	r, err := NewRegistry(RegistryConfig{
		NodeID: "node-1",
		Hub:    hub,
		SinkConfigs: []SinkConfig{
			{Name: "all", Type: "recorder"},
			{Name: "leader-only", Type: "recorder", Patterns: []string{"*->LEADER"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.Error(t, r.Start(), "double start should fail")

	hub.Signal(ha.Transition{Source: ha.RoleInit, Target: ha.RoleFollower, At: time.Now()})
	hub.Signal(ha.Transition{Source: ha.RoleFollower, Target: ha.RoleLeader, Epoch: 1, At: time.Now()})

	all := r.workers[0].config.Sink.(*mockSink)
	leaderOnly := r.workers[1].config.Sink.(*mockSink)

	require.Eventually(t, func() bool {
		return all.eventCount() == 2 && leaderOnly.eventCount() == 1
	}, time.Second, 10*time.Millisecond)

	r.Stop()
	// stop is idempotent
	r.Stop()
}
