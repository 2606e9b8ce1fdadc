package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the pipeline fabric exposes on
// GET /metrics. One instance is built at process startup and threaded
// through the gateway, orchestrator, and worker runtimes.
type Metrics struct {
	Registry *prometheus.Registry

	StageMessagesConsumed *prometheus.CounterVec
	StageMessagesAcked    *prometheus.CounterVec
	StageMessagesNacked   *prometheus.CounterVec
	StageMessagesDLQed    *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	StageRetries          *prometheus.CounterVec
	DedupeHits            *prometheus.CounterVec

	GeneratorRequests *prometheus.CounterVec
	GeneratorLatency  *prometheus.HistogramVec
	GeneratorTokens   *prometheus.CounterVec

	OrchestratorTransitions *prometheus.CounterVec
	OrchestratorStalls      *prometheus.CounterVec
	RequestsInFlight        prometheus.Gauge
	RequestDuration         *prometheus.HistogramVec

	ArtifactCommits *prometheus.CounterVec

	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec

	DashboardClients prometheus.Gauge
}

// New registers every collector against its own registry so that repeated
// calls in tests don't panic on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegisterer(reg)
}

func NewWithRegisterer(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		StageMessagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "messages_consumed_total",
			Help: "Envelopes pulled off a stage topic, by stage.",
		}, []string{"stage"}),
		StageMessagesAcked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "messages_acked_total",
			Help: "Envelopes successfully processed and acked, by stage.",
		}, []string{"stage"}),
		StageMessagesNacked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "messages_nacked_total",
			Help: "Envelopes nacked for retry, by stage and error kind.",
		}, []string{"stage", "kind"}),
		StageMessagesDLQed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "messages_dlq_total",
			Help: "Envelopes routed to a dead letter topic, by stage and error kind.",
		}, []string{"stage", "kind"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "duration_seconds",
			Help:    "Wall time spent inside a stage transform, by stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "retries_total",
			Help: "Retry attempts recorded for a stage, by stage.",
		}, []string{"stage"}),
		DedupeHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "stage", Name: "dedupe_hits_total",
			Help: "Duplicate deliveries short-circuited by the idempotency cache, by stage.",
		}, []string{"stage"}),
		GeneratorRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "generator", Name: "requests_total",
			Help: "Generator client calls, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		GeneratorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devpipe", Subsystem: "generator", Name: "latency_seconds",
			Help:    "Generator client round-trip latency, by stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		GeneratorTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "generator", Name: "tokens_total",
			Help: "Tokens consumed by generator calls, by stage and direction (prompt|completion).",
		}, []string{"stage", "direction"}),
		OrchestratorTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "orchestrator", Name: "transitions_total",
			Help: "PipelineState transitions observed while replaying the event stream, by from and to stage.",
		}, []string{"from", "to"}),
		OrchestratorStalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "orchestrator", Name: "stalls_detected_total",
			Help: "Requests flagged by the stall sweeper, by stage.",
		}, []string{"stage"}),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "devpipe", Subsystem: "orchestrator", Name: "requests_in_flight",
			Help: "Requests currently between submission and a terminal stage.",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devpipe", Subsystem: "orchestrator", Name: "request_duration_seconds",
			Help:    "End-to-end wall time from submission to a terminal stage, by outcome.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"outcome"}),
		ArtifactCommits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "artifactstore", Name: "commits_total",
			Help: "Commits written to the artifact repository, by stage.",
		}, []string{"stage"}),
		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpipe", Subsystem: "gateway", Name: "requests_total",
			Help: "HTTP requests served by the ingress gateway, by route and status code.",
		}, []string{"route", "status"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devpipe", Subsystem: "gateway", Name: "latency_seconds",
			Help:    "HTTP handler latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		DashboardClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "devpipe", Subsystem: "dashboard", Name: "ws_clients",
			Help: "Currently connected dashboard WebSocket clients.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
