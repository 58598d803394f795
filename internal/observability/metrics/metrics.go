package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	TabsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabs_sent_total",
			Help: "Total number of tab payloads routed, by delivery channel.",
		},
		[]string{"service", "channel"},
	)

	TabsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabs_delivered_total",
			Help: "Total number of pending tabs acknowledged by a device.",
		},
		[]string{"service"},
	)

	PushDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_dispatch_total",
			Help: "Push notification batches dispatched, by outcome.",
		},
		[]string{"service", "result"},
	)

	RealtimeEmitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_emit_total",
			Help: "Realtime fan-out emissions, by outcome.",
		},
		[]string{"service", "result"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	TabsSentTotal = TabsSentTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	TabsDeliveredTotal = TabsDeliveredTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	PushDispatchTotal = PushDispatchTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	RealtimeEmitTotal = RealtimeEmitTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		TabsSentTotal,
		TabsDeliveredTotal,
		PushDispatchTotal,
		RealtimeEmitTotal,
	)
}
