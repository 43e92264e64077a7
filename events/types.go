// Package events publishes committed role transitions to external systems.
// Each configured sink gets its own worker consuming the transition hub, so
// a slow broker never holds back another sink or the transition executor.
package events

// TransitionEvent is the wire payload published for one role transition.
type TransitionEvent struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Epoch  int64  `json:"epoch"`
	At     int64  `json:"at"` // unix millis
}

// Sink is a destination for transition events.
type Sink interface {
	// Publish sends an event to the sink.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Filter decides whether a transition should be published.
type Filter interface {
	// Match reports whether a source->target transition passes the filter.
	Match(source, target string) bool
}

// SinkConfig describes one configured sink.
type SinkConfig struct {
	Name  string
	Type  string
	Topic string
	// Patterns filter transitions as "SOURCE->TARGET" globs, for example
	// "*->LEADER" or "LEADER->*". Empty means publish everything.
	Patterns []string

	// NatsURL is required for type "nats".
	NatsURL string
	// Brokers is required for type "kafka".
	Brokers []string

	BatchSize       int
	RetryInitialMS  int
	RetryMaxMS      int
	RetryMultiplier float64
	MaxRetries      int
}
