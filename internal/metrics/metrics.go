// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the classifier's Counter Array and the fleet and
// relay layers' live gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

// Metrics holds every Prometheus collector the control plane exposes. The
// per-endpoint counter series are gauges, not counters: each value is an
// absolute snapshot read back from map_stats on a polling cadence, not an
// event this process itself incremented.
type Metrics struct {
	TotalPackets       *prometheus.GaugeVec
	Allowed            *prometheus.GaugeVec
	DroppedRateLimit   *prometheus.GaugeVec
	DroppedBlacklist   *prometheus.GaugeVec
	DroppedBadProto    *prometheus.GaugeVec
	DroppedChallenge   *prometheus.GaugeVec
	DroppedMaintenance *prometheus.GaugeVec
	Pass               *prometheus.GaugeVec
	Redirect           *prometheus.GaugeVec
	ChallengesSent     *prometheus.GaugeVec
	ChallengesPassed   *prometheus.GaugeVec
	Saturation         *prometheus.GaugeVec

	NodesActive      prometheus.Gauge
	NodesInactive    prometheus.Gauge
	RelayConnections *prometheus.GaugeVec
	RelayBytesIn     *prometheus.CounterVec
	RelayBytesOut    *prometheus.CounterVec
	RelayRejected    *prometheus.CounterVec
}

// New builds an unregistered Metrics collector set.
func New() *Metrics {
	gaugeVec := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentryproxy_" + name,
			Help: help,
		}, []string{"endpoint_id"})
	}

	return &Metrics{
		TotalPackets:       gaugeVec("packets_total", "Total packets observed by the classifier"),
		Allowed:            gaugeVec("packets_allowed_total", "Packets allowed by the token bucket"),
		DroppedRateLimit:   gaugeVec("packets_dropped_ratelimit_total", "Packets dropped for exceeding the rate limit"),
		DroppedBlacklist:   gaugeVec("packets_dropped_blacklist_total", "Packets dropped due to a blacklisted source"),
		DroppedBadProto:    gaugeVec("packets_dropped_badproto_total", "Packets dropped for failing protocol validation"),
		DroppedChallenge:   gaugeVec("packets_dropped_challenge_total", "Packets dropped pending a cookie challenge"),
		DroppedMaintenance: gaugeVec("packets_dropped_maintenance_total", "Packets dropped due to endpoint maintenance mode"),
		Pass:               gaugeVec("packets_pass_total", "Packets passed through to the relay"),
		Redirect:           gaugeVec("packets_redirect_total", "Packets redirected to userspace handling"),
		ChallengesSent:     gaugeVec("challenges_sent_total", "Cookie challenges issued"),
		ChallengesPassed:   gaugeVec("challenges_passed_total", "Cookie challenges passed"),
		Saturation:         gaugeVec("saturation", "Packets dropped because a classifier map was full"),

		NodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryproxy_nodes_active",
			Help: "Number of edge nodes currently reporting healthy",
		}),
		NodesInactive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryproxy_nodes_inactive",
			Help: "Number of edge nodes that have missed consecutive status polls",
		}),
		RelayConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentryproxy_relay_active_connections",
			Help: "Active relay sessions per endpoint",
		}, []string{"endpoint_id", "kind"}),
		RelayBytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryproxy_relay_bytes_in_total",
			Help: "Bytes relayed from origin to client",
		}, []string{"endpoint_id", "kind"}),
		RelayBytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryproxy_relay_bytes_out_total",
			Help: "Bytes relayed from client to origin",
		}, []string{"endpoint_id", "kind"}),
		RelayRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentryproxy_relay_rejected_total",
			Help: "Sessions rejected at max_connections",
		}, []string{"endpoint_id", "kind"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.TotalPackets, m.Allowed, m.DroppedRateLimit, m.DroppedBlacklist, m.DroppedBadProto,
		m.DroppedChallenge, m.DroppedMaintenance, m.Pass, m.Redirect, m.ChallengesSent,
		m.ChallengesPassed, m.Saturation, m.NodesActive, m.NodesInactive,
		m.RelayConnections, m.RelayBytesIn, m.RelayBytesOut, m.RelayRejected,
	)
}

// Handler returns the HTTP handler serving the registry's scrape endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveCounters copies a classifier Counter Array snapshot for endpointID
// into the corresponding Prometheus series.
func (m *Metrics) ObserveCounters(endpointID string, c types.Counters) {
	m.TotalPackets.WithLabelValues(endpointID).Set(float64(c.TotalPackets))
	m.Allowed.WithLabelValues(endpointID).Set(float64(c.Allowed))
	m.DroppedRateLimit.WithLabelValues(endpointID).Set(float64(c.DroppedRateLimit))
	m.DroppedBlacklist.WithLabelValues(endpointID).Set(float64(c.DroppedBlacklist))
	m.DroppedBadProto.WithLabelValues(endpointID).Set(float64(c.DroppedBadProto))
	m.DroppedChallenge.WithLabelValues(endpointID).Set(float64(c.DroppedChallenge))
	m.DroppedMaintenance.WithLabelValues(endpointID).Set(float64(c.DroppedMaintenance))
	m.Pass.WithLabelValues(endpointID).Set(float64(c.Pass))
	m.Redirect.WithLabelValues(endpointID).Set(float64(c.Redirect))
	m.ChallengesSent.WithLabelValues(endpointID).Set(float64(c.ChallengesSent))
	m.ChallengesPassed.WithLabelValues(endpointID).Set(float64(c.ChallengesPassed))
	m.Saturation.WithLabelValues(endpointID).Set(float64(c.Saturation))
}
