package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics is accepted everywhere and records nothing.
type Metrics struct {
	// Ethereum RPC Metrics
	ethRPCCallsTotal   *prometheus.CounterVec
	ethRPCCallDuration *prometheus.HistogramVec
	ethRPCRetries      *prometheus.CounterVec

	// Transaction Lifecycle Metrics
	broadcastsTotal           *prometheus.CounterVec
	recordTransitionsTotal    *prometheus.CounterVec
	openRecords               *prometheus.GaugeVec
	replacementsTotal         *prometheus.CounterVec
	confirmationLatency       *prometheus.HistogramVec
	nonceReconciliationsTotal *prometheus.CounterVec

	// Explorer Metrics
	explorerCallsTotal   *prometheus.CounterVec
	explorerCallDuration *prometheus.HistogramVec
	explorerBreakerState *prometheus.GaugeVec

	// Ledger Metrics
	ledgerRefreshDuration *prometheus.HistogramVec
	tokenBalances         *prometheus.GaugeVec

	// Workflow Metrics
	ledgerWorkflowDuration *prometheus.HistogramVec
	ledgerActivityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ethRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eth_rpc_calls_total",
				Help: "Total number of Ethereum JSON-RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		ethRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eth_rpc_call_duration_seconds",
				Help:    "Duration of Ethereum JSON-RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		ethRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eth_rpc_retries_total",
				Help: "Total number of retried idempotent Ethereum reads",
			},
			[]string{"method"},
		),

		broadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_broadcasts_total",
				Help: "Total number of transaction broadcasts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		recordTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_record_transitions_total",
				Help: "Total number of transaction record status transitions",
			},
			[]string{"status"},
		),
		openRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_open_records",
				Help: "Number of submitted or pending transaction records",
			},
			[]string{"address"},
		),
		replacementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_replacements_total",
				Help: "Total number of replacement attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		confirmationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_confirmation_latency_seconds",
				Help:    "Time from broadcast to first confirmation",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"kind"},
		),
		nonceReconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_nonce_reconciliations_total",
				Help: "Total number of nonce reconciliations with the network",
			},
			[]string{"reason"},
		),

		explorerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "explorer_calls_total",
				Help: "Total number of block explorer API calls",
			},
			[]string{"action", "status"},
		),
		explorerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "explorer_call_duration_seconds",
				Help:    "Duration of block explorer API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"action"},
		),
		explorerBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "explorer_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		ledgerRefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_refresh_duration_seconds",
				Help:    "Duration of balance and token ledger refreshes",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		tokenBalances: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_tokens_held",
				Help: "Number of tokens with a positive net balance",
			},
			[]string{"address"},
		),

		ledgerWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_workflow_duration_seconds",
				Help:    "Duration of ledger refresh workflow executions in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"address", "status"},
		),
		ledgerActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_activity_duration_seconds",
				Help:    "Duration of ledger workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "address"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"address"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"address", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// RecordRPCCall records an Ethereum RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.ethRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.ethRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCRetry records a retry of an idempotent read.
func (m *Metrics) RecordRPCRetry(method string) {
	if m == nil {
		return
	}
	m.ethRPCRetries.WithLabelValues(method).Inc()
}

// RecordBroadcast records the outcome of one SendTransaction call.
func (m *Metrics) RecordBroadcast(kind, outcome string) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition records a record entering status.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.recordTransitionsTotal.WithLabelValues(status).Inc()
}

// SetOpenRecords sets the number of open records of an account.
func (m *Metrics) SetOpenRecords(address string, n int) {
	if m == nil {
		return
	}
	m.openRecords.WithLabelValues(address).Set(float64(n))
}

// RecordReplacement records a cancel or speed-up attempt.
func (m *Metrics) RecordReplacement(mode, outcome string) {
	if m == nil {
		return
	}
	m.replacementsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordConfirmationLatency records broadcast-to-confirmation time.
func (m *Metrics) RecordConfirmationLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.confirmationLatency.WithLabelValues(kind).Observe(seconds)
}

// RecordNonceReconciliation records a reconciliation of the local nonce.
func (m *Metrics) RecordNonceReconciliation(reason string) {
	if m == nil {
		return
	}
	m.nonceReconciliationsTotal.WithLabelValues(reason).Inc()
}

// RecordExplorerCall records a block explorer API call.
func (m *Metrics) RecordExplorerCall(action, status string, duration float64) {
	if m == nil {
		return
	}
	m.explorerCallsTotal.WithLabelValues(action, status).Inc()
	m.explorerCallDuration.WithLabelValues(action).Observe(duration)
}

// SetExplorerBreakerState records the explorer circuit breaker state.
func (m *Metrics) SetExplorerBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.explorerBreakerState.WithLabelValues(name).Set(state)
}

// RecordLedgerRefresh records a balance and token refresh.
func (m *Metrics) RecordLedgerRefresh(status string, duration float64) {
	if m == nil {
		return
	}
	m.ledgerRefreshDuration.WithLabelValues(status).Observe(duration)
}

// SetTokensHeld records how many tokens an address holds.
func (m *Metrics) SetTokensHeld(address string, n int) {
	if m == nil {
		return
	}
	m.tokenBalances.WithLabelValues(address).Set(float64(n))
}

// RecordWorkflowDuration records ledger workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(address, status string, duration float64) {
	if m == nil {
		return
	}
	m.ledgerWorkflowDuration.WithLabelValues(address, status).Observe(duration)
}

// RecordActivityDuration records ledger activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, address string, duration float64) {
	if m == nil {
		return
	}
	m.ledgerActivityDuration.WithLabelValues(activity, address).Observe(duration)
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(address string, delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.WithLabelValues(address).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(address, eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(address, eventType).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
