package telemetry

// Histogram bucket definitions for different profiles
var (
	// BatchSizeBuckets for txns per sequencer batch
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

	// DeviationBuckets for clock deviation magnitudes in seconds
	DeviationBuckets = []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}

	// DispatchBuckets for intake-to-dispatch latency in seconds
	DispatchBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Scheduler metrics
var (
	// TxnsWaitingForLock tracks transactions currently in the lock manager
	TxnsWaitingForLock Gauge = NoopStat{}

	// TxnsDispatchedTotal counts transactions dispatched for execution
	TxnsDispatchedTotal Counter = NoopStat{}

	// LockAcquiresTotal counts lock acquisitions by result (acquired, waiting, abort)
	LockAcquiresTotal CounterVec = noopCounterVec{}

	// DeadlocksResolvedTotal counts stable deadlock groups rewritten by the resolver
	DeadlocksResolvedTotal Counter = NoopStat{}

	// ReadyTxnsPublishedTotal counts txns made ready by the resolver
	ReadyTxnsPublishedTotal Counter = NoopStat{}

	// DispatchLatencySeconds measures intake-to-dispatch latency
	DispatchLatencySeconds Histogram = NoopStat{}
)

// Sequencer metrics
var (
	// BatchesEmittedTotal counts batches the batcher closed
	BatchesEmittedTotal Counter = NoopStat{}

	// BatchSizeTxns measures txns per emitted batch
	BatchSizeTxns Histogram = NoopStat{}

	// FutureTxnsBuffered tracks the size of the future-timestamp buffer
	FutureTxnsBuffered Gauge = NoopStat{}

	// ClockDeviationSeconds measures |timestamp - now| at sequencer intake
	ClockDeviationSeconds Histogram = NoopStat{}

	// PingsTotal counts clock-sync pings answered
	PingsTotal Counter = NoopStat{}
)

// Transport & log metrics
var (
	// EnvelopesTotal counts envelopes by direction (sent, received)
	EnvelopesTotal CounterVec = noopCounterVec{}

	// EnvelopeErrorsTotal counts malformed or unroutable envelopes
	EnvelopeErrorsTotal Counter = NoopStat{}

	// CommitLogGap tracks buffered out-of-order batches awaiting their slot
	CommitLogGap Gauge = NoopStat{}

	// PublishedEventsTotal counts publisher events by result (ok, error, dropped)
	PublishedEventsTotal CounterVec = noopCounterVec{}
)

// initMetrics replaces the noop package metrics with Prometheus-backed
// ones. Called by Initialize.
func initMetrics() {
	TxnsWaitingForLock = NewGauge(
		"txns_waiting_for_lock",
		"Transactions currently tracked by the lock manager",
	)
	TxnsDispatchedTotal = NewCounter(
		"txns_dispatched_total",
		"Transactions dispatched for execution",
	)
	LockAcquiresTotal = NewCounterVec(
		"lock_acquires_total",
		"Lock acquisitions by result",
		[]string{"result"},
	)
	DeadlocksResolvedTotal = NewCounter(
		"deadlocks_resolved_total",
		"Stable deadlock groups rewritten by the resolver",
	)
	ReadyTxnsPublishedTotal = NewCounter(
		"ready_txns_published_total",
		"Transactions made ready by the deadlock resolver",
	)
	DispatchLatencySeconds = NewHistogramWithBuckets(
		"dispatch_latency_seconds",
		"Latency from intake to dispatch",
		DispatchBuckets,
	)

	BatchesEmittedTotal = NewCounter(
		"batches_emitted_total",
		"Batches closed by the sequencer batcher",
	)
	BatchSizeTxns = NewHistogramWithBuckets(
		"batch_size_txns",
		"Transactions per emitted batch",
		BatchSizeBuckets,
	)
	FutureTxnsBuffered = NewGauge(
		"future_txns_buffered",
		"Transactions held in the future-timestamp buffer",
	)
	ClockDeviationSeconds = NewHistogramWithBuckets(
		"clock_deviation_seconds",
		"Absolute clock deviation observed at sequencer intake",
		DeviationBuckets,
	)
	PingsTotal = NewCounter(
		"pings_total",
		"Clock-sync pings answered",
	)

	EnvelopesTotal = NewCounterVec(
		"envelopes_total",
		"Envelopes by direction",
		[]string{"direction"},
	)
	EnvelopeErrorsTotal = NewCounter(
		"envelope_errors_total",
		"Malformed or unroutable envelopes",
	)
	CommitLogGap = NewGauge(
		"commit_log_gap",
		"Buffered out-of-order batches awaiting their slot",
	)
	PublishedEventsTotal = NewCounterVec(
		"published_events_total",
		"Publisher events by result",
		[]string{"result"},
	)
}
