package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ConsensusBuckets for operations that cross a replication round trip
	ConsensusBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// DiscoveryBuckets for leader lookups, bounded at one second
	DiscoveryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// Role and transition metrics
var (
	// RoleTransitionsTotal counts committed role transitions (from -> to)
	RoleTransitionsTotal CounterVec = noopCounterVec{}

	// TransitionCallbackFailures counts callbacks that returned an error or panicked
	TransitionCallbackFailures CounterVec = noopCounterVec{}

	// TransitionQueueDepth tracks pending events in the transition queue
	TransitionQueueDepth Gauge = NoopStat{}

	// CurrentRoleValue exposes the current role as a numeric code
	CurrentRoleValue Gauge = NoopStat{}
)

// Fencing metrics
var (
	// FencingAttemptsTotal counts epoch claim attempts by result (won, lost, unavailable)
	FencingAttemptsTotal CounterVec = noopCounterVec{}

	// FencingDurationSeconds measures end-to-end fence latency including retries
	FencingDurationSeconds Histogram = NoopStat{}

	// CurrentEpoch exposes the highest epoch this node has observed
	CurrentEpoch Gauge = NoopStat{}
)

// Membership metrics
var (
	// ClusterNodes tracks node count by class and stability
	ClusterNodes GaugeVec = noopGaugeVec{}

	// QuorumEffective exposes the effective quorum requirement
	QuorumEffective Gauge = NoopStat{}

	// QuorumOverride exposes the active override (0 when none)
	QuorumOverride Gauge = NoopStat{}

	// MembershipChangesTotal counts membership mutations by op and result
	MembershipChangesTotal CounterVec = noopCounterVec{}

	// LeaderDiscoveryTotal counts leader lookups by result (found, not_found, error)
	LeaderDiscoveryTotal CounterVec = noopCounterVec{}

	// LeaderDiscoverySeconds measures leader lookup latency
	LeaderDiscoverySeconds Histogram = NoopStat{}

	// HeartbeatsTotal counts heartbeat reports by result
	HeartbeatsTotal CounterVec = noopCounterVec{}
)

// Event publishing metrics
var (
	// PublishedTransitionsTotal counts transition events handed to sinks by result
	PublishedTransitionsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	RoleTransitionsTotal = NewCounterVec(
		"role_transitions_total",
		"Committed role transitions",
		[]string{"from", "to"},
	)
	TransitionCallbackFailures = NewCounterVec(
		"transition_callback_failures_total",
		"Transition callbacks that failed or panicked",
		[]string{"from", "to"},
	)
	TransitionQueueDepth = NewGauge(
		"transition_queue_depth",
		"Pending events in the transition queue",
	)
	CurrentRoleValue = NewGauge(
		"current_role",
		"Current role as a numeric code (0=INIT 1=FOLLOWER 2=LEADER 3=OBSERVER 4=UNKNOWN)",
	)

	FencingAttemptsTotal = NewCounterVec(
		"fencing_attempts_total",
		"Epoch claim attempts by result",
		[]string{"result"},
	)
	FencingDurationSeconds = NewHistogramWithBuckets(
		"fencing_duration_seconds",
		"End-to-end fence latency in seconds",
		ConsensusBuckets,
	)
	CurrentEpoch = NewGauge(
		"current_epoch",
		"Highest epoch observed by this node",
	)

	ClusterNodes = NewGaugeVec(
		"cluster_nodes",
		"Number of nodes by class and stability",
		[]string{"class", "stability"},
	)
	QuorumEffective = NewGauge(
		"quorum_effective",
		"Effective quorum requirement",
	)
	QuorumOverride = NewGauge(
		"quorum_override",
		"Active quorum override, 0 when none",
	)
	MembershipChangesTotal = NewCounterVec(
		"membership_changes_total",
		"Membership mutations by op and result",
		[]string{"op", "result"},
	)
	LeaderDiscoveryTotal = NewCounterVec(
		"leader_discovery_total",
		"Leader lookups by result",
		[]string{"result"},
	)
	LeaderDiscoverySeconds = NewHistogramWithBuckets(
		"leader_discovery_seconds",
		"Leader lookup latency in seconds",
		DiscoveryBuckets,
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Heartbeat reports by result",
		[]string{"result"},
	)

	PublishedTransitionsTotal = NewCounterVec(
		"published_transitions_total",
		"Transition events handed to sinks by result",
		[]string{"result"},
	)
}
