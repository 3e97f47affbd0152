package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Wire protocol metrics
var (
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_messages_received_total",
			Help: "Total FIX messages received, by venue and message type",
		},
		[]string{"venue", "msg_type"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_messages_sent_total",
			Help: "Total FIX messages sent, by venue and message type",
		},
		[]string{"venue", "msg_type"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_decode_errors_total",
			Help: "Total inbound messages that failed validation or parsing",
		},
		[]string{"venue", "reason"},
	)
)

// Session metrics
var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixcore_session_state",
			Help: "Session state per venue (0 disconnected, 1 logon pending, 2 active, 3 logout pending)",
		},
		[]string{"venue"},
	)

	HeartbeatsMissed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_heartbeats_missed_total",
			Help: "Heartbeat intervals that elapsed without any inbound traffic",
		},
		[]string{"venue"},
	)

	SequenceGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_sequence_gaps_total",
			Help: "Inbound sequence gaps detected",
		},
		[]string{"venue"},
	)

	ResendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_resend_requests_total",
			Help: "ResendRequest messages issued to recover sequence gaps",
		},
		[]string{"venue"},
	)

	SequenceRegressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_sequence_regressions_total",
			Help: "Fatal sequence regressions (lower than expected without PossDupFlag)",
		},
		[]string{"venue"},
	)
)

// Order flow metrics
var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_orders_submitted_total",
			Help: "Orders submitted to venues, by venue and side",
		},
		[]string{"venue", "side"},
	)

	OrderSubmitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fixcore_order_submit_latency_seconds",
			Help:    "Latency from submit call to wire write handoff",
			Buckets: []float64{.000025, .00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		},
	)

	ExecutionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_executions_applied_total",
			Help: "Execution reports applied to orders, by exec type",
		},
		[]string{"exec_type"},
	)

	ExecutionsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_executions_duplicate_total",
			Help: "Execution reports ignored because the ExecID was already applied",
		},
	)

	OrderTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_order_timeouts_total",
			Help: "Orders that exceeded the acknowledgment deadline",
		},
	)
)

// Market data metrics
var (
	MarketDataUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_marketdata_updates_total",
			Help: "Market data updates applied, by kind (snapshot or incremental)",
		},
		[]string{"kind"},
	)

	MarketDataGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_marketdata_gaps_total",
			Help: "Incremental update sequences abandoned after the reorder window",
		},
	)

	MarketDataDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_marketdata_dropped_total",
			Help: "Stale or duplicate incremental updates dropped",
		},
	)

	StaleBooks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixcore_stale_books",
			Help: "Number of subscribed symbols currently considered stale",
		},
	)
)

// Routing metrics
var (
	RoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_routing_decisions_total",
			Help: "Routing decisions, by selected venue",
		},
		[]string{"venue"},
	)

	RoutingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_routing_failures_total",
			Help: "Order routes that failed because no venue was available",
		},
	)
)

// Event distribution metrics
var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_events_published_total",
			Help: "Events published on the internal bus, by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixcore_events_dropped_total",
			Help: "Events dropped because a sink could not keep up",
		},
		[]string{"sink"},
	)

	JournalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixcore_journal_queue_depth",
			Help: "Pending records in the journal write queue",
		},
	)

	JournalDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_journal_dropped_total",
			Help: "Journal records dropped due to a full write queue",
		},
	)

	FeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixcore_feed_clients",
			Help: "Connected WebSocket feed clients",
		},
	)

	FeedMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixcore_feed_messages_dropped_total",
			Help: "Feed messages dropped for slow WebSocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(MessagesReceived, MessagesSent, DecodeErrors)
	prometheus.MustRegister(SessionState, HeartbeatsMissed, SequenceGaps, ResendRequests, SequenceRegressions)
	prometheus.MustRegister(OrdersSubmitted, OrderSubmitLatency, ExecutionsApplied, ExecutionsDuplicate, OrderTimeouts)
	prometheus.MustRegister(MarketDataUpdates, MarketDataGaps, MarketDataDropped, StaleBooks)
	prometheus.MustRegister(RoutingDecisions, RoutingFailures)
	prometheus.MustRegister(EventsPublished, EventsDropped, JournalQueueDepth, JournalDropped, FeedClients, FeedMessagesDropped)
}
