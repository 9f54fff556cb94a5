package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_sync_ws_connections",
			Help: "Current number of connected console clients.",
		},
	)
	wsFramesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "console_sync_ws_frames_delivered_total",
			Help: "Total frames delivered to console clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsFramesDelivered)
}

func incConnections() {
	wsConnections.Inc()
}

func decConnections() {
	wsConnections.Dec()
}

func addDelivered(count int) {
	wsFramesDelivered.Add(float64(count))
}
