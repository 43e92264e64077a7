package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"steward/pkg/ha"
	"steward/telemetry"
)

const (
	// DefaultTopic is used when a sink config names none.
	DefaultTopic = "steward.transitions"
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before dropping a transition
	DefaultMaxRetries = 10
)

// WorkerConfig configures one sink worker.
type WorkerConfig struct {
	Name            string
	NodeID          string
	Sink            Sink
	Filter          Filter
	Topic           string
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker consumes the transition hub and publishes to one sink. Transitions
// are keyed by node id, so sinks that partition by key keep each node's
// transitions in order.
type Worker struct {
	config WorkerConfig

	hub    *ha.Hub
	events <-chan ha.Transition
	cancel func()

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates the config and applies defaults.
func NewWorker(config WorkerConfig, hub *ha.Hub) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{config: config, hub: hub}, nil
}

// Start subscribes to the hub and launches the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)

	w.events, w.cancel = w.hub.Subscribe(ha.TransitionFilter{})
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Str("topic", w.config.Topic).
		Msg("starting transition publisher worker")

	go w.loop()
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	w.cancel()
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("transition publisher worker stopped")
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case t, ok := <-w.events:
			if !ok {
				return
			}
			w.process(t)
		}
	}
}

func (w *Worker) process(t ha.Transition) {
	source := t.Source.String()
	target := t.Target.String()

	if !w.config.Filter.Match(source, target) {
		telemetry.PublishedTransitionsTotal.With("filtered").Inc()
		return
	}

	payload, err := json.Marshal(TransitionEvent{
		ID:     t.ID,
		NodeID: w.config.NodeID,
		Source: source,
		Target: target,
		Epoch:  t.Epoch,
		At:     t.At.UnixMilli(),
	})
	if err != nil {
		telemetry.PublishedTransitionsTotal.With("error").Inc()
		log.Error().Err(err).Str("worker", w.config.Name).Msg("failed to encode transition")
		return
	}

	if err := w.publishWithRetry(w.config.Topic, w.config.NodeID, payload); err != nil {
		telemetry.PublishedTransitionsTotal.With("error").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("source", source).
			Str("target", target).
			Msg("giving up on transition publish")
		return
	}
	telemetry.PublishedTransitionsTotal.With("ok").Inc()
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns an error once retries are exhausted or the worker is stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("failed to publish transition, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for d, returning false if the worker was stopped meanwhile.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
