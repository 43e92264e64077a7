package ha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fenceResult struct {
	epoch int64
	err   error
}

// scriptedFencer returns canned results in order, holding the last one.
type scriptedFencer struct {
	mu      sync.Mutex
	results []fenceResult
	calls   int
}

func (f *scriptedFencer) Fence(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.results) == 0 {
		return 0, errors.New("no fencing result scripted")
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.epoch, r.err
}

func (f *scriptedFencer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// transitionRecorder collects committed transitions from callbacks.
type transitionRecorder struct {
	mu     sync.Mutex
	seen   []Transition
	labels []string
}

func (r *transitionRecorder) record(label string) Callback {
	return func(_ context.Context, t Transition) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, t)
		r.labels = append(r.labels, label)
		return nil
	}
}

func (r *transitionRecorder) transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.seen...)
}

func (r *transitionRecorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func (r *transitionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func startExecutor(t *testing.T, fencer Fencer) *Executor {
	t.Helper()

	e := NewExecutor(fencer, ExecutorConfig{RequeueDelay: 10 * time.Millisecond})
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

// startExecutorWithExit swaps the process-exit hook for a channel so the
// fail-fast path can be observed instead of killing the test binary.
func startExecutorWithExit(t *testing.T, fencer Fencer) (*Executor, chan int) {
	t.Helper()

	e := NewExecutor(fencer, ExecutorConfig{RequeueDelay: 10 * time.Millisecond})
	exits := make(chan int, 1)
	e.exit = func(code int) { exits <- code }
	e.Start()
	t.Cleanup(e.Stop)
	return e, exits
}

func waitTransition(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()

	select {
	case tr := <-ch:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a committed transition")
		return Transition{}
	}
}

func waitRole(t *testing.T, e *Executor, want Role) {
	t.Helper()

	require.Eventually(t, func() bool {
		return e.CurrentRole() == want
	}, 5*time.Second, 5*time.Millisecond, "expected role %s", want)
}

func TestTransitionsRunInArrivalOrder(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{epoch: 3}}}
	e := startExecutor(t, fencer)

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleInit, RoleFollower, rec.record("init->follower"))
	e.RegisterCallback(RoleFollower, RoleObserver, rec.record("follower->observer"))
	e.RegisterCallback(RoleObserver, RoleFollower, rec.record("observer->follower"))
	e.RegisterCallback(RoleFollower, RoleLeader, rec.record("follower->leader"))

	ch, cancel := e.Hub().Subscribe(TransitionFilter{})
	defer cancel()

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleObserver))
	e.Enqueue(NewStateChangeEvent(RoleObserver, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleLeader))

	for _, want := range []Role{RoleFollower, RoleObserver, RoleFollower, RoleLeader} {
		require.Equal(t, want, waitTransition(t, ch).Target)
	}

	require.Equal(t, []string{
		"init->follower",
		"follower->observer",
		"observer->follower",
		"follower->leader",
	}, rec.order())
	require.Equal(t, RoleLeader, e.CurrentRole())
	require.Equal(t, int64(3), e.LeaderEpoch())
}

func TestPromotionFencesBeforeCommit(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{epoch: 7}}}
	e := startExecutor(t, fencer)

	var (
		mu          sync.Mutex
		roleDuring  Role
		epochDuring int64
		committed   Transition
	)
	e.RegisterCallback(RoleFollower, RoleLeader, func(_ context.Context, tr Transition) error {
		mu.Lock()
		defer mu.Unlock()
		roleDuring = e.CurrentRole()
		epochDuring = e.LeaderEpoch()
		committed = tr
		return nil
	})

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	ev := NewStateChangeEvent(RoleFollower, RoleLeader)
	e.Enqueue(ev)

	waitRole(t, e, RoleLeader)
	require.Equal(t, int64(7), e.LeaderEpoch())
	require.Equal(t, 1, fencer.callCount())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, RoleFollower, roleDuring, "the role must not flip before leader callbacks finish")
	require.Zero(t, epochDuring, "the epoch publishes together with the role")
	require.Equal(t, int64(7), committed.Epoch, "callbacks see the epoch claimed by fencing")
	require.Equal(t, ev.ID, committed.ID)
	require.Equal(t, RoleFollower, committed.Source)
	require.Equal(t, RoleLeader, committed.Target)
}

func TestFencingFailureLeavesRoleUntouched(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{
		{err: errors.New("claim store unavailable")},
		{epoch: 4},
	}}
	e := NewExecutor(fencer, ExecutorConfig{RequeueDelay: 500 * time.Millisecond})
	e.Start()
	t.Cleanup(e.Stop)

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleLeader))

	require.Eventually(t, func() bool {
		return fencer.callCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, RoleFollower, e.CurrentRole())
	require.Zero(t, e.LeaderEpoch())

	// The re-enqueued event retries after the delay and succeeds.
	waitRole(t, e, RoleLeader)
	require.Equal(t, int64(4), e.LeaderEpoch())
	require.Equal(t, 2, fencer.callCount())
}

func TestRequeueDoesNotHoldWorker(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{err: errors.New("lost the claim race")}}}
	e := NewExecutor(fencer, ExecutorConfig{RequeueDelay: 2 * time.Second})
	e.Start()
	t.Cleanup(e.Stop)

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleFollower, RoleObserver, rec.record("sidestep"))

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleLeader))

	require.Eventually(t, func() bool {
		return fencer.callCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The queue stays live while the failed promotion waits out its delay.
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleObserver))
	waitRole(t, e, RoleObserver)
	require.Equal(t, 1, rec.count())
	require.Zero(t, e.LeaderEpoch())
}

func TestLeaderDemotionFailsFast(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{epoch: 6}}}
	e, exits := startExecutorWithExit(t, fencer)

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleLeader, RoleFollower, rec.record("demoted"))

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleLeader))
	waitRole(t, e, RoleLeader)

	e.Enqueue(NewStateChangeEvent(RoleLeader, RoleFollower))

	select {
	case code := <-exits:
		require.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("demoting an active leader must terminate the process")
	}

	require.Zero(t, rec.count(), "no callbacks may run on the fail-fast path")
	require.Equal(t, RoleLeader, e.CurrentRole())
	require.Equal(t, int64(6), e.LeaderEpoch())
}

func TestDemotionAfterUnknownMarkerStillFailsFast(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{epoch: 2}}}
	e, exits := startExecutorWithExit(t, fencer)

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleLeader))
	waitRole(t, e, RoleLeader)

	e.Enqueue(NewStateChangeEvent(RoleLeader, RoleUnknown))
	waitRole(t, e, RoleUnknown)

	select {
	case code := <-exits:
		t.Fatalf("the unknown marker must not terminate the process, got exit %d", code)
	default:
	}

	// The write path never left the leader state, so a demotion arriving
	// after the marker is still a split-brain hazard.
	e.Enqueue(NewStateChangeEvent(RoleUnknown, RoleFollower))

	select {
	case code := <-exits:
		require.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("demotion after an unknown marker must terminate the process")
	}
}

func TestUnknownMarkerIsObservational(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{epoch: 7}}}
	e := startExecutor(t, fencer)

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleLeader, RoleUnknown, rec.record("marker"))

	ch, cancel := e.Hub().Subscribe(TransitionFilter{})
	defer cancel()

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleLeader))
	require.Equal(t, RoleFollower, waitTransition(t, ch).Target)
	require.Equal(t, RoleLeader, waitTransition(t, ch).Target)

	e.Enqueue(NewStateChangeEvent(RoleLeader, RoleUnknown))
	waitRole(t, e, RoleUnknown)
	require.Equal(t, int64(7), e.LeaderEpoch(), "the marker must not release the fencing epoch")

	// Resolution back to the serving role is a plain duplicate: no callbacks
	// and no newly committed transition.
	e.Enqueue(NewStateChangeEvent(RoleUnknown, RoleLeader))
	waitRole(t, e, RoleLeader)
	require.Equal(t, int64(7), e.LeaderEpoch())
	require.Zero(t, rec.count())

	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %s -> %s", tr.Source, tr.Target)
	default:
	}
}

func TestDuplicateRoleCommitsNothing(t *testing.T) {
	e := startExecutor(t, &scriptedFencer{})

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleInit, RoleFollower, rec.record("first"))
	e.RegisterCallback(RoleFollower, RoleObserver, rec.record("sync"))

	ch, cancel := e.Hub().Subscribe(TransitionFilter{})
	defer cancel()

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleObserver))

	require.Equal(t, RoleFollower, waitTransition(t, ch).Target)
	require.Equal(t, RoleObserver, waitTransition(t, ch).Target)
	require.Equal(t, []string{"first", "sync"}, rec.order())
}

func TestObserverPromotionRefused(t *testing.T) {
	fencer := &scriptedFencer{results: []fenceResult{{epoch: 1}}}
	e := startExecutor(t, fencer)

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleObserver, RoleLeader, rec.record("promoted"))

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleObserver))
	waitRole(t, e, RoleObserver)

	e.Enqueue(NewStateChangeEvent(RoleObserver, RoleLeader))
	e.Enqueue(NewStateChangeEvent(RoleObserver, RoleUnknown))
	waitRole(t, e, RoleUnknown)

	require.Zero(t, fencer.callCount(), "observers never touch the epoch store")
	require.Zero(t, rec.count())
	require.Zero(t, e.LeaderEpoch())
}

func TestCallbacksKeyedByServingRole(t *testing.T) {
	e := startExecutor(t, &scriptedFencer{})

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleInit, RoleFollower, rec.record("a"))
	e.RegisterCallback(RoleInit, RoleFollower, rec.record("b"))
	e.RegisterCallback(RoleObserver, RoleFollower, rec.record("claimed pair"))

	// The notifier's claimed source is advisory. Dispatch keys off the role
	// this worker actually serves.
	e.Enqueue(NewStateChangeEvent(RoleObserver, RoleFollower))
	waitRole(t, e, RoleFollower)

	require.Equal(t, []string{"a", "b"}, rec.order())
	require.Equal(t, RoleInit, rec.transitions()[0].Source)
}

func TestPoisonCallbackDoesNotWedgeWorker(t *testing.T) {
	e := startExecutor(t, &scriptedFencer{})

	rec := &transitionRecorder{}
	e.RegisterCallback(RoleInit, RoleFollower, func(context.Context, Transition) error {
		panic("poison")
	})
	e.RegisterCallback(RoleInit, RoleFollower, func(context.Context, Transition) error {
		return errors.New("activation failed")
	})
	e.RegisterCallback(RoleInit, RoleFollower, rec.record("survivor"))
	e.RegisterCallback(RoleFollower, RoleObserver, rec.record("next event"))

	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleFollower, RoleObserver))
	waitRole(t, e, RoleObserver)

	require.Equal(t, []string{"survivor", "next event"}, rec.order())
}

func TestStopIsIdempotent(t *testing.T) {
	e := NewExecutor(&scriptedFencer{}, ExecutorConfig{QueueSize: 1})
	e.Stop()
	e.Stop()

	// Enqueue after stop must not block, even with the buffer full.
	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	e.Enqueue(NewStateChangeEvent(RoleInit, RoleFollower))
	require.Equal(t, RoleInit, e.CurrentRole())

	started := NewExecutor(&scriptedFencer{}, ExecutorConfig{})
	started.Start()
	started.Stop()
	started.Stop()
}
