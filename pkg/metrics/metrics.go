package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Dispatcher metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laksa_commands_total",
			Help: "Total number of commands dispatched by name",
		},
		[]string{"command"},
	)

	ValidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laksa_validation_failures_total",
			Help: "Total number of commands rejected at the boundary",
		},
	)

	// State metrics
	SessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laksa_sessions_live",
			Help: "Number of live sessions",
		},
	)

	NodesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laksa_nodes_live",
			Help: "Number of connected nodes",
		},
	)

	ContainersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laksa_containers_live",
			Help: "Number of live container shadows",
		},
	)

	TunnelsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laksa_tunnels_live",
			Help: "Number of live tunnels",
		},
	)

	IPsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laksa_ips_allocated",
			Help: "Number of container IPs currently allocated",
		},
	)

	// Layer cache metrics
	LayersCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "laksa_layers_cached",
			Help: "Number of completed layers in the cache",
		},
	)

	// Front-end metrics
	ProxyRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laksa_proxy_rebuilds_total",
			Help: "Total number of front-end config rebuilds requested",
		},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		CommandsTotal,
		ValidationFailures,
		SessionsLive,
		NodesLive,
		ContainersLive,
		TunnelsLive,
		IPsAllocated,
		LayersCached,
		ProxyRebuilds,
	)
}
