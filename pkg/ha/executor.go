package ha

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"steward/telemetry"
)

// Fencer claims the next epoch. The executor calls it before committing any
// transition into the leader role; a node that cannot fence never leads.
type Fencer interface {
	Fence(ctx context.Context) (int64, error)
}

// Callback runs synchronously on the executor worker when its (source,
// target) pair commits. The transition carries the fencing epoch for
// promotions.
type Callback func(ctx context.Context, t Transition) error

type callbackKey struct {
	source Role
	target Role
}

// ExecutorConfig tunes the transition worker.
type ExecutorConfig struct {
	// QueueSize bounds the pending event queue. Enqueue blocks when full so
	// ordering is never traded for drops.
	QueueSize int
	// RequeueDelay spaces out re-evaluation of a promotion whose fencing
	// attempt failed.
	RequeueDelay time.Duration
}

func (c *ExecutorConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = time.Second
	}
}

// Executor drains role-change events one at a time and applies the role
// state machine. Exactly one worker goroutine touches servingRole, so
// callbacks observe a globally consistent order of role changes.
type Executor struct {
	fencer Fencer
	hub    *Hub

	mu        sync.Mutex
	callbacks map[callbackKey][]Callback

	// servingRole is the last role whose callbacks ran. observedRole also
	// tracks UNKNOWN markers, which commit no callbacks.
	servingRole  Role
	observedRole atomic.Int32
	epoch        atomic.Int64

	queue        chan StateChangeEvent
	requeueDelay time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}

	// exit is swapped in tests; production terminates the process.
	exit func(code int)
}

// NewExecutor builds a stopped executor. Call Start to begin draining.
func NewExecutor(fencer Fencer, cfg ExecutorConfig) *Executor {
	cfg.applyDefaults()

	return &Executor{
		fencer:       fencer,
		hub:          NewHub(),
		callbacks:    make(map[callbackKey][]Callback),
		queue:        make(chan StateChangeEvent, cfg.QueueSize),
		requeueDelay: cfg.RequeueDelay,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		exit:         os.Exit,
	}
}

// RegisterCallback hooks cb into transitions from source to target.
// Callbacks for a pair run in registration order.
func (e *Executor) RegisterCallback(source, target Role, cb Callback) {
	key := callbackKey{source: source, target: target}

	e.mu.Lock()
	e.callbacks[key] = append(e.callbacks[key], cb)
	e.mu.Unlock()
}

// Enqueue appends an event to the transition queue. Blocks when the queue is
// full rather than dropping, so no transition is ever skipped.
func (e *Executor) Enqueue(ev StateChangeEvent) {
	select {
	case e.queue <- ev:
		telemetry.TransitionQueueDepth.Set(float64(len(e.queue)))
	case <-e.stop:
	}
}

// CurrentRole reports the last committed role, including UNKNOWN markers.
func (e *Executor) CurrentRole() Role {
	return Role(e.observedRole.Load())
}

// LeaderEpoch reports the fencing epoch held since promotion, 0 when this
// node is not leading.
func (e *Executor) LeaderEpoch() int64 {
	return e.epoch.Load()
}

// Hub exposes the committed-transition fan-out.
func (e *Executor) Hub() *Hub {
	return e.hub
}

// Start launches the worker goroutine.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.run()
	})
}

// Stop halts the worker after the in-flight event finishes.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	if e.started.Load() {
		<-e.done
	}
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.queue:
			e.process(ev)
			telemetry.TransitionQueueDepth.Set(float64(len(e.queue)))
		}
	}
}

func (e *Executor) process(ev StateChangeEvent) {
	from := e.servingRole
	target := ev.TargetRole

	logger := log.With().
		Str("event_id", ev.ID).
		Str("source", ev.SourceRole.String()).
		Str("target", target.String()).
		Str("serving", from.String()).
		Logger()

	// UNKNOWN is observational: the marker is recorded but the serving role
	// and its write-path state stay untouched and no callbacks run.
	if target == RoleUnknown {
		e.observedRole.Store(int32(RoleUnknown))
		telemetry.CurrentRoleValue.Set(float64(RoleUnknown))
		logger.Warn().Msg("group state unresolvable, role marked unknown")
		return
	}

	// An active leader told it no longer leads is a split-brain hazard. The
	// process terminates so the supervisor restarts it into a clean join.
	if from == RoleLeader && target != RoleLeader {
		e.failFast(ev, from)
		return
	}

	if target == from {
		// duplicate notification, or recovery from an UNKNOWN marker
		e.observedRole.Store(int32(target))
		telemetry.CurrentRoleValue.Set(float64(target))
		logger.Debug().Msg("role unchanged")
		return
	}

	if target == RoleLeader {
		e.promote(ev, from, logger)
		return
	}

	e.commit(ev, from, target, 0, logger)
}

// promote fences before any leader callback runs. Fencing failure of either
// kind leaves the current role untouched and re-enqueues the event for
// re-evaluation once the group has settled.
func (e *Executor) promote(ev StateChangeEvent, from Role, logger zerolog.Logger) {
	if from == RoleObserver {
		logger.Error().Msg("observer nodes cannot be promoted, ignoring event")
		return
	}

	epoch, err := e.fencer.Fence(context.Background())
	if err != nil {
		logger.Warn().Err(err).Msg("fencing failed, promotion re-enqueued")
		e.requeue(ev)
		return
	}

	logger.Info().Int64("epoch", epoch).Msg("fencing succeeded")
	e.commit(ev, from, RoleLeader, epoch, logger)
}

func (e *Executor) requeue(ev StateChangeEvent) {
	time.AfterFunc(e.requeueDelay, func() {
		e.Enqueue(ev)
	})
}

// commit runs the registered callbacks for (from, target) and only then
// publishes the new role, so currentRole flips after leader initialization
// completed.
func (e *Executor) commit(ev StateChangeEvent, from, target Role, epoch int64, logger zerolog.Logger) {
	t := Transition{ID: ev.ID, Source: from, Target: target, Epoch: epoch, At: time.Now()}

	e.mu.Lock()
	cbs := append([]Callback(nil), e.callbacks[callbackKey{source: from, target: target}]...)
	e.mu.Unlock()

	for i, cb := range cbs {
		if err := e.runCallback(cb, t); err != nil {
			telemetry.TransitionCallbackFailures.With(from.String(), target.String()).Inc()
			logger.Error().Err(err).Int("callback", i).Msg("transition callback failed")
		}
	}

	e.servingRole = target
	e.observedRole.Store(int32(target))
	e.epoch.Store(epoch)

	telemetry.RoleTransitionsTotal.With(from.String(), target.String()).Inc()
	telemetry.CurrentRoleValue.Set(float64(target))

	e.hub.Signal(t)
	logger.Info().Int64("epoch", epoch).Msg("role transition committed")
}

// runCallback isolates panics so one poison callback cannot wedge the queue.
func (e *Executor) runCallback(cb Callback, t Transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newCallbackPanicError(r)
		}
	}()
	return cb(context.Background(), t)
}

func (e *Executor) failFast(ev StateChangeEvent, from Role) {
	log.WithLevel(zerolog.FatalLevel).
		Str("event_id", ev.ID).
		Str("source", ev.SourceRole.String()).
		Str("target", ev.TargetRole.String()).
		Str("serving", from.String()).
		Int64("epoch", e.epoch.Load()).
		Int("queue_depth", len(e.queue)).
		Time("enqueued_at", ev.EnqueuedAt).
		Msg("leader demoted while write path active, terminating to avoid split brain")
	e.exit(1)
}
