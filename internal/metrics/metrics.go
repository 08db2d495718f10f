package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "livesync",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Live sessions currently hosted by this process.",
		},
	)
	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "livesync",
			Subsystem: "sessions",
			Name:      "connected_clients",
			Help:      "Sockets attached to a session.",
		},
	)
	messagesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "protocol",
			Name:      "messages_relayed_total",
			Help:      "Messages fanned out to session members, by kind.",
		},
		[]string{"kind"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "protocol",
			Name:      "rejected_total",
			Help:      "Inbound messages dropped by the session engine, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)
	slowClientsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "sessions",
			Name:      "slow_clients_dropped_total",
			Help:      "Sockets closed because their outbox was full.",
		},
	)
	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "protocol",
			Name:      "rate_limited_total",
			Help:      "Inbound frames dropped by the per-connection limiter.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "livesync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			activeSessions, connectedClients, messagesRelayed, protocolViolations,
			slowClientsDropped, rateLimited, httpRequests, httpDuration,
		)
	})
}

func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func SessionOpened()     { activeSessions.Inc() }
func SessionClosed()     { activeSessions.Dec() }
func ClientAttached()    { connectedClients.Inc() }
func ClientDetached()    { connectedClients.Dec() }
func SlowClientDropped() { slowClientsDropped.Inc() }
func RateLimited()       { rateLimited.Inc() }

func Relayed(kind string) { messagesRelayed.WithLabelValues(kind).Inc() }

func Rejected(kind, reason string) { protocolViolations.WithLabelValues(kind, reason).Inc() }

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		httpRequests.WithLabelValues(labels...).Inc()
		httpDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}
