// Package metrics defines the Prometheus instrumentation for host and
// runner processes and exposes the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_nodes_total",
			Help: "Registered runners by liveness status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tasks_total",
			Help: "Tasks by lifecycle state",
		},
		[]string{"state"},
	)

	OverlayAllocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_overlay_allocations",
			Help: "Active VXLAN subnet allocations",
		},
	)

	IPReservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_ip_reservations",
			Help: "Live signed overlay IP reservations",
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_heartbeats_total",
			Help: "Heartbeats received per runner",
		},
		[]string{"runner"},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_dispatched_total",
			Help: "Tasks handed to a runner",
		},
	)

	TasksLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_lost_total",
			Help: "Tasks marked lost after their runner went offline",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Tunnel metrics
	TunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tunnels_active",
			Help: "Connected container tunnels",
		},
	)

	TunnelForwards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tunnel_forwards_total",
			Help: "Forward channels opened over container tunnels",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(OverlayAllocations)
	prometheus.MustRegister(IPReservations)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksLost)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(TunnelsActive)
	prometheus.MustRegister(TunnelForwards)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
