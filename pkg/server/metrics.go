package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aeolun/messageu/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server. Each server has its
// own registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	connectionsAccepted *prometheus.CounterVec // by transport
	activeConnections   prometheus.Gauge

	// Request metrics
	requestsReceived *prometheus.CounterVec // by code
	responsesSent    *prometheus.CounterVec // by code
	requestFailures  *prometheus.CounterVec // by error kind
	requestDuration  *prometheus.HistogramVec

	// Delivery metrics
	messagesStored       prometheus.Counter
	messagesDelivered    prometheus.Counter
	messagesSkipped      prometheus.Counter
	clientListsTruncated prometheus.Counter
	spoolSpills          prometheus.Counter
	responsePayloadBytes prometheus.Histogram
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messageu_connections_accepted_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "messageu_active_connections",
				Help: "Current number of connections being served",
			},
		),
		requestsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messageu_requests_received_total",
				Help: "Total number of request headers decoded by code",
			},
			[]string{"code"},
		),
		responsesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messageu_responses_sent_total",
				Help: "Total number of responses fully written by code",
			},
			[]string{"code"},
		),
		requestFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messageu_request_failures_total",
				Help: "Total number of failed requests by error kind",
			},
			[]string{"kind"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "messageu_request_duration_seconds",
				Help:    "Time from header read to response sent",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code"},
		),
		messagesStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messageu_messages_stored_total",
				Help: "Total number of messages accepted for delivery",
			},
		),
		messagesDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messageu_messages_delivered_total",
				Help: "Total number of pending messages returned to a poll",
			},
		),
		messagesSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messageu_messages_skipped_total",
				Help: "Total number of pending messages left for a later poll because they did not fit",
			},
		),
		clientListsTruncated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messageu_client_lists_truncated_total",
				Help: "Total number of client lists cut short by the payload limit",
			},
		),
		spoolSpills: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messageu_spool_spills_total",
				Help: "Total number of spools moved from memory to a temporary file",
			},
		),
		responsePayloadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "messageu_response_payload_bytes",
				Help:    "Size of response payloads",
				Buckets: prometheus.ExponentialBuckets(16, 4, 12),
			},
		),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordConnectionAccepted(transport string) {
	m.connectionsAccepted.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *Metrics) RecordRequest(code protocol.Code) {
	m.requestsReceived.WithLabelValues(protocol.CodeName(code)).Inc()
}

// RecordResponse counts a fully written response and its payload size.
func (m *Metrics) RecordResponse(code protocol.Code, payloadSize uint32) {
	m.responsesSent.WithLabelValues(protocol.CodeName(code)).Inc()
	m.responsePayloadBytes.Observe(float64(payloadSize))
}

func (m *Metrics) RecordFailure(kind string) {
	m.requestFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDuration(code protocol.Code, d time.Duration) {
	m.requestDuration.WithLabelValues(protocol.CodeName(code)).Observe(d.Seconds())
}

func (m *Metrics) RecordMessageStored() {
	m.messagesStored.Inc()
}

// RecordPoll counts the outcome of one PollMessages request.
func (m *Metrics) RecordPoll(delivered, skipped int) {
	m.messagesDelivered.Add(float64(delivered))
	m.messagesSkipped.Add(float64(skipped))
}

func (m *Metrics) RecordClientListTruncated() {
	m.clientListsTruncated.Inc()
}

func (m *Metrics) RecordSpoolSpill() {
	m.spoolSpills.Inc()
}
