package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"steward/pkg/ha"
)

// SinkFactory builds a Sink from its configuration.
type SinkFactory func(SinkConfig) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type. Sink packages call this
// from init, so importing a sink package enables its type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config SinkConfig) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// RegistryConfig configures the publisher registry.
type RegistryConfig struct {
	NodeID      string
	Hub         *ha.Hub
	SinkConfigs []SinkConfig
}

// Registry manages the lifecycle of all transition publisher workers.
type Registry struct {
	nodeID  string
	hub     *ha.Hub
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry builds a worker per configured sink.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Hub == nil {
		return nil, fmt.Errorf("transition hub is required")
	}

	registry := &Registry{
		nodeID:  config.NodeID,
		hub:     config.Hub,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("transition publisher initialized")
	return registry, nil
}

// AddSink creates and adds a worker for the given sink configuration.
func (r *Registry) AddSink(config SinkConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.Patterns)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		NodeID:          r.nodeID,
		Sink:            snk,
		Filter:          filter,
		Topic:           config.Topic,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	}, r.hub)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Strs("patterns", config.Patterns).
		Msg("added transition sink")
	return nil
}

// Start starts all workers.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("worker", worker.config.Name).Msg("failed to close sink")
		}
	}
	log.Info().Msg("transition publisher stopped")
}
