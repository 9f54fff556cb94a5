package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	pushReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "console_sync_push_reconnects_total",
			Help: "Total push channel reconnect attempts.",
		},
	)
	pushEventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_sync_push_events_total",
			Help: "Total push events received, by event kind.",
		},
		[]string{"kind"},
	)
	pushConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_sync_push_connected",
			Help: "1 while the push channel connection is established.",
		},
	)
	restFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_sync_rest_failures_total",
			Help: "Total failed REST calls, by error code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(pushReconnects, pushEventsReceived, pushConnected, restFailures)
}

func incReconnects() {
	pushReconnects.Inc()
}

func incEvent(kind string) {
	pushEventsReceived.WithLabelValues(kind).Inc()
}

func setConnected(up bool) {
	if up {
		pushConnected.Set(1)
	} else {
		pushConnected.Set(0)
	}
}

func incRESTFailure(code ErrorCode) {
	restFailures.WithLabelValues(string(code)).Inc()
}
