package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"steward/pkg/ha"
)

// recordingNotifier commits each enqueued target the way the executor would,
// so emit deduplication is observable.
type recordingNotifier struct {
	mu     sync.Mutex
	role   ha.Role
	events []ha.StateChangeEvent
}

func newRecordingNotifier(initial ha.Role) *recordingNotifier {
	return &recordingNotifier{role: initial}
}

func (r *recordingNotifier) Enqueue(ev ha.StateChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.role = ev.TargetRole
}

func (r *recordingNotifier) CurrentRole() ha.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

func (r *recordingNotifier) recorded() []ha.StateChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ha.StateChangeEvent(nil), r.events...)
}

func TestRoleWatcherEmitsLeaderOnElection(t *testing.T) {
	g := newTestGroup(t)

	recorder := newRecordingNotifier(ha.RoleInit)
	w := NewRoleWatcher(g, recorder)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return recorder.CurrentRole() == ha.RoleLeader
	}, 15*time.Second, 50*time.Millisecond,
		"watcher should surface the bootstrap election")

	events := recorder.recorded()
	require.NotEmpty(t, events)
	require.Equal(t, ha.RoleLeader, events[len(events)-1].TargetRole)
	for _, ev := range events {
		require.NotEqual(t, ev.SourceRole, ev.TargetRole)
	}
}

func TestRoleWatcherTranslate(t *testing.T) {
	g := startTestGroup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := NewRoleWatcher(g, newRecordingNotifier(ha.RoleInit))

	role, ok := w.translate(hraft.Leader)
	require.True(t, ok)
	require.Equal(t, ha.RoleLeader, role)

	role, ok = w.translate(hraft.Candidate)
	require.True(t, ok)
	require.Equal(t, ha.RoleUnknown, role)

	_, ok = w.translate(hraft.Shutdown)
	require.False(t, ok)

	// Without a replicated record the raft suffrage decides. The
	// bootstrapped node is a voter.
	role, ok = w.translate(hraft.Follower)
	require.True(t, ok)
	require.Equal(t, ha.RoleFollower, role)

	// A replicated observer record is authoritative over suffrage.
	_, err := g.ProposeUpsertNode(ctx, NodeRecord{
		ID:        "node-test",
		Class:     ClassObserver,
		Stability: StabilityStable,
		Host:      "127.0.0.1",
		Port:      7600,
	})
	require.NoError(t, err)

	role, ok = w.translate(hraft.Follower)
	require.True(t, ok)
	require.Equal(t, ha.RoleObserver, role)
}

func TestRoleWatcherLeaderLossMarksUnknown(t *testing.T) {
	g := startTestGroup(t)

	recorder := newRecordingNotifier(ha.RoleLeader)
	w := NewRoleWatcher(g, recorder)

	// The leadership we already hold is not a change.
	w.handleLeader(hraft.LeaderObservation{LeaderID: "node-test"})
	require.Empty(t, recorder.recorded())

	// Losing the leader marks the role unknown.
	w.handleLeader(hraft.LeaderObservation{})
	events := recorder.recorded()
	require.Len(t, events, 1)
	require.Equal(t, ha.RoleLeader, events[0].SourceRole)
	require.Equal(t, ha.RoleUnknown, events[0].TargetRole)

	// A leader appearing again restores the role from the raft state.
	w.handleLeader(hraft.LeaderObservation{LeaderID: "node-test"})
	events = recorder.recorded()
	require.Len(t, events, 2)
	require.Equal(t, ha.RoleUnknown, events[1].SourceRole)
	require.Equal(t, ha.RoleLeader, events[1].TargetRole)
}

func TestRoleWatcherReconcileRepairsDrift(t *testing.T) {
	g := startTestGroup(t)

	// The election happened before the watcher registered, so only the
	// reconcile ticker can discover the leadership.
	recorder := newRecordingNotifier(ha.RoleInit)
	w := NewRoleWatcher(g, recorder)
	w.reconcileEvery = 50 * time.Millisecond
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return recorder.CurrentRole() == ha.RoleLeader
	}, 5*time.Second, 20*time.Millisecond)

	events := recorder.recorded()
	require.Equal(t, ha.RoleInit, events[0].SourceRole)
	require.Equal(t, ha.RoleLeader, events[0].TargetRole)

	// Once the committed role matches the raft state the ticker stays quiet.
	time.Sleep(200 * time.Millisecond)
	require.Len(t, recorder.recorded(), 1)
}
