package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay side.
var (
	RegisteredPorts        = promauto.NewGauge(prometheus.GaugeOpts{Name: "easytunnel_registered_ports", Help: "Remote ports currently registered"})
	PendingCorrelations    = promauto.NewGauge(prometheus.GaugeOpts{Name: "easytunnel_pending_correlations", Help: "Inbound connections waiting for their forward client"})
	InboundAcceptedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "easytunnel_inbound_accepted_total", Help: "Inbound connections accepted on registered ports"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "easytunnel_tunnel_established_total", Help: "Inbound connections paired with a forward client"})
	CorrelationMissTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "easytunnel_correlation_miss_total", Help: "Forward clients presenting an unknown id"})
	PendingExpiredTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "easytunnel_pending_expired_total", Help: "Pending correlations closed before a forward client arrived"})
	HandshakeRejectsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "easytunnel_handshake_rejects_total", Help: "Connections closed during handshake by reason"}, []string{"reason"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "easytunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "easytunnel_bytes_relayed_total", Help: "Bytes spliced by direction"}, []string{"direction"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "easytunnel_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

// Agent side.
var (
	AgentSessionsRegistered = promauto.NewCounter(prometheus.CounterOpts{Name: "easytunnel_agent_sessions_registered_total", Help: "Control sessions that reached the registered state"})
	AgentReconnectsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "easytunnel_agent_reconnects_total", Help: "Control session restarts"})
	AgentForwardsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "easytunnel_agent_forwards_total", Help: "Forward client outcomes"}, []string{"result"})
	AgentActiveForwards     = promauto.NewGauge(prometheus.GaugeOpts{Name: "easytunnel_agent_active_forwards", Help: "Forward clients currently relaying"})
)
