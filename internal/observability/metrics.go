package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_http_requests_total",
			Help: "Total number of HTTP requests processed by the negotiation service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "negotiation_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_gateway_requests_total",
			Help: "Total number of calls made to the marketplace gateway.",
		},
		[]string{"op", "outcome"},
	)
	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "negotiation_gateway_request_duration_seconds",
			Help:    "Gateway call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	optimisticSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_optimistic_sends_total",
			Help: "Optimistic sends by outcome (confirmed, rolled_back, rejected, stale).",
		},
		[]string{"outcome"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "negotiation_sessions_active",
			Help: "Number of negotiation sessions held by the registry.",
		},
	)
	refreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_refresh_runs_total",
			Help: "Refresh runs executed by coalescing queues.",
		},
		[]string{"queue"},
	)
	refreshCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_refresh_coalesced_total",
			Help: "Refresh requests folded into an in-flight or pending run.",
		},
		[]string{"queue"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "negotiation_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "negotiation_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		gatewayRequestsTotal,
		gatewayRequestDuration,
		optimisticSendsTotal,
		sessionsActive,
		refreshRunsTotal,
		refreshCoalescedTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func ObserveGatewayRequest(op, outcome string, d time.Duration) {
	gatewayRequestsTotal.WithLabelValues(op, outcome).Inc()
	gatewayRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncOptimisticSend(outcome string) {
	optimisticSendsTotal.WithLabelValues(outcome).Inc()
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func IncRefreshRun(queue string) {
	refreshRunsTotal.WithLabelValues(queue).Inc()
}

func IncRefreshCoalesced(queue string) {
	refreshCoalescedTotal.WithLabelValues(queue).Inc()
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
