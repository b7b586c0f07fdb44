// Package metrics holds the Prometheus collectors for the session and
// transport subsystems, plus a dedicated metrics listener. Collectors are
// registered on the default registry so promhttp.Handler exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of non-terminated sessions in the store.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchwire",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Number of active sessions.",
	})

	// SessionsExpired counts sessions removed by the expiry sweep.
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "searchwire",
		Subsystem: "sessions",
		Name:      "expired_total",
		Help:      "Total sessions removed by the expiry sweep.",
	})

	// SessionsTerminated counts sessions removed by explicit termination.
	SessionsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "searchwire",
		Subsystem: "sessions",
		Name:      "terminated_total",
		Help:      "Total sessions explicitly terminated.",
	})

	// ConnectionsPooled tracks the size of the shared connection pool.
	ConnectionsPooled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchwire",
		Subsystem: "connections",
		Name:      "pooled",
		Help:      "Number of connections in the shared pool.",
	})

	// FramesSent counts outbound frames by transport and frame type.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "searchwire",
		Subsystem: "transport",
		Name:      "frames_sent_total",
		Help:      "Total outbound frames by transport and frame type.",
	}, []string{"transport", "type"})

	// HandlerErrors counts handler invocations that returned or panicked with
	// an error, by transport and method.
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "searchwire",
		Subsystem: "transport",
		Name:      "handler_errors_total",
		Help:      "Total handler invocation failures by transport and method.",
	}, []string{"transport", "method"})

	// RequestsHandled counts inbound calls by transport and method.
	RequestsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "searchwire",
		Subsystem: "transport",
		Name:      "requests_total",
		Help:      "Total inbound calls by transport and method.",
	}, []string{"transport", "method"})
)
