// Package metrics defines the Prometheus instrumentation shared across
// Dockhand components. All collectors are registered on a dedicated registry
// exposed on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every counter the core increments. It is created once at
// startup and injected into constructors; fields are immutable after init.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsStarted     prometheus.Counter
	SessionsStopped     prometheus.Counter
	SessionStartErrors  prometheus.Counter
	NetworkRequests     prometheus.Counter
	NetworkDeduplicated prometheus.Counter
	Approvals           *prometheus.CounterVec
	CallbackRejected    *prometheus.CounterVec
	ChatReconnects      prometheus.Counter
	DroppedChatEvents   prometheus.Counter
	ContainersReaped    prometheus.Counter
	RateLimited         prometheus.Counter
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_sessions_started_total",
			Help: "Sessions successfully started.",
		}),
		SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_sessions_stopped_total",
			Help: "Sessions torn down.",
		}),
		SessionStartErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_session_start_errors_total",
			Help: "Session starts that failed and were rolled back.",
		}),
		NetworkRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_network_requests_total",
			Help: "Outbound-domain requests received from agents.",
		}),
		NetworkDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_network_requests_deduplicated_total",
			Help: "Domain requests dropped because one was already pending.",
		}),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockhand_approvals_total",
			Help: "Approval verdicts processed.",
		}, []string{"action"}),
		CallbackRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockhand_callback_rejected_total",
			Help: "Callback requests rejected before processing.",
		}, []string{"reason"}),
		ChatReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_chat_reconnects_total",
			Help: "WebSocket reconnect attempts to the chat backend.",
		}),
		DroppedChatEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_dropped_chat_events_total",
			Help: "Inbound chat events dropped because the queue was full.",
		}),
		ContainersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_containers_reaped_total",
			Help: "Idle containers torn down by the monitor.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_rate_limited_total",
			Help: "HTTP requests rejected by the per-IP limiter.",
		}),
	}

	reg.MustRegister(
		m.SessionsStarted, m.SessionsStopped, m.SessionStartErrors,
		m.NetworkRequests, m.NetworkDeduplicated, m.Approvals,
		m.CallbackRejected, m.ChatReconnects, m.DroppedChatEvents,
		m.ContainersReaped, m.RateLimited,
	)
	return m
}
