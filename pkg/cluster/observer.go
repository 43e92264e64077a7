package cluster

import (
	"context"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/rs/zerolog/log"

	"steward/pkg/ha"
)

// RoleNotifier receives translated role-change events in arrival order.
type RoleNotifier interface {
	Enqueue(ev ha.StateChangeEvent)
	CurrentRole() ha.Role
}

// RoleWatcher turns raft state and leadership observations into role events.
// Observation delivery is non-blocking on the raft side, so a slow consumer
// drops signals instead of stalling the group; the reconcile ticker repairs
// any drift that causes.
type RoleWatcher struct {
	group *Group
	sink  RoleNotifier

	ch  chan hraft.Observation
	obs *hraft.Observer

	reconcileEvery time.Duration
	lastLeaderID   string

	stop chan struct{}
	done chan struct{}
}

// NewRoleWatcher wires a watcher to the group's observer channel.
func NewRoleWatcher(g *Group, sink RoleNotifier) *RoleWatcher {
	ch := make(chan hraft.Observation, 64)
	w := &RoleWatcher{
		group:          g,
		sink:           sink,
		ch:             ch,
		reconcileEvery: 5 * time.Second,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	w.obs = hraft.NewObserver(ch, false, func(o *hraft.Observation) bool {
		switch o.Data.(type) {
		case hraft.RaftState, hraft.LeaderObservation:
			return true
		}
		return false
	})
	return w
}

// Start registers the observer and begins translating.
func (w *RoleWatcher) Start() {
	w.group.raft.RegisterObserver(w.obs)
	go w.loop()
}

// Stop deregisters and waits for the translation loop to exit.
func (w *RoleWatcher) Stop() {
	w.group.raft.DeregisterObserver(w.obs)
	close(w.stop)
	<-w.done
}

func (w *RoleWatcher) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case o := <-w.ch:
			switch data := o.Data.(type) {
			case hraft.RaftState:
				w.handleState(data)
			case hraft.LeaderObservation:
				w.handleLeader(data)
			}
		case <-ticker.C:
			w.reconcile()
		}
	}
}

func (w *RoleWatcher) handleState(s hraft.RaftState) {
	target, ok := w.translate(s)
	if !ok {
		return
	}
	w.emit(target)
}

// handleLeader marks the role unknown while the group has no leader and
// restores the underlying state once one is known again.
func (w *RoleWatcher) handleLeader(o hraft.LeaderObservation) {
	leaderID := string(o.LeaderID)
	if leaderID == w.lastLeaderID {
		return
	}
	w.lastLeaderID = leaderID

	if leaderID == "" {
		w.emit(ha.RoleUnknown)
		return
	}
	if w.sink.CurrentRole() == ha.RoleUnknown {
		if target, ok := w.translate(w.group.raft.State()); ok {
			w.emit(target)
		}
	}
}

// reconcile repairs drift between the committed role and the raft state,
// which can happen when a burst overflowed the observation channel.
func (w *RoleWatcher) reconcile() {
	target, ok := w.translate(w.group.raft.State())
	if !ok {
		return
	}
	if current := w.sink.CurrentRole(); current != target {
		log.Debug().
			Str("current", current.String()).
			Str("target", target.String()).
			Msg("role drift detected, reconciling")
		w.emit(target)
	}
}

func (w *RoleWatcher) translate(s hraft.RaftState) (ha.Role, bool) {
	switch s {
	case hraft.Leader:
		return ha.RoleLeader, true
	case hraft.Follower:
		return w.followerRole(), true
	case hraft.Candidate:
		return ha.RoleUnknown, true
	default:
		return ha.RoleUnknown, false
	}
}

// followerRole separates electable followers from observers. The replicated
// record's class is authoritative; raft suffrage is the fallback for nodes
// without a record yet.
func (w *RoleWatcher) followerRole() ha.Role {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if rec, found, err := w.group.Node(ctx, w.group.LocalID()); err == nil && found {
		if rec.Class == ClassObserver {
			return ha.RoleObserver
		}
		return ha.RoleFollower
	}

	servers, err := w.group.ConfiguredServers()
	if err != nil {
		return ha.RoleFollower
	}
	for _, s := range servers {
		if s.ID == w.group.LocalID() && !s.Voter {
			return ha.RoleObserver
		}
	}
	return ha.RoleFollower
}

func (w *RoleWatcher) emit(target ha.Role) {
	source := w.sink.CurrentRole()
	if source == target {
		return
	}
	w.sink.Enqueue(ha.NewStateChangeEvent(source, target))
}
