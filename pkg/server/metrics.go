package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry, so tests can create as many servers as they like.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	playersOnline     prometheus.Gauge
	packetsReceived   *prometheus.CounterVec
	packetsUnknown    *prometheus.CounterVec
	logins            *prometheus.CounterVec
	keepAliveRTT      prometheus.Histogram
	pluginErrors      *prometheus.CounterVec
	responses         *prometheus.CounterVec
	tickDuration      prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quectocraft_connections_active",
			Help: "Connections currently in the live set",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quectocraft_connections_total",
			Help: "Connections accepted since start",
		}),
		playersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quectocraft_players_online",
			Help: "Logged-in players",
		}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quectocraft_packets_received_total",
			Help: "Serverbound packets dispatched, by state and packet",
		}, []string{"state", "packet"}),
		packetsUnknown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quectocraft_packets_unknown_total",
			Help: "Packets with no entry in the dispatch table, by state",
		}, []string{"state"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quectocraft_logins_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
		keepAliveRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quectocraft_keepalive_rtt_seconds",
			Help:    "Keep-alive round trip time",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quectocraft_plugin_errors_total",
			Help: "Failed plugin hook calls",
		}, []string{"plugin", "hook"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quectocraft_plugin_responses_total",
			Help: "Plugin responses routed, by kind",
		}, []string{"kind"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quectocraft_tick_duration_seconds",
			Help:    "Time spent processing one server tick",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive,
		m.connectionsTotal,
		m.playersOnline,
		m.packetsReceived,
		m.packetsUnknown,
		m.logins,
		m.keepAliveRTT,
		m.pluginErrors,
		m.responses,
		m.tickDuration,
	)
	return m
}

// Handler serves this instance's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests to gather values)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *Metrics) SetPlayersOnline(n int) {
	m.playersOnline.Set(float64(n))
}

// RecordPacket counts one dispatched packet
func (m *Metrics) RecordPacket(state protocol.State, p protocol.Packet) {
	if _, ok := p.(*protocol.Unknown); ok {
		m.packetsUnknown.WithLabelValues(state.String()).Inc()
		return
	}
	m.packetsReceived.WithLabelValues(state.String(), packetName(p)).Inc()
}

func (m *Metrics) RecordLogin(result string) {
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveKeepAlive(rtt time.Duration) {
	m.keepAliveRTT.Observe(rtt.Seconds())
}

// RecordPluginError matches plugin.Host.OnError
func (m *Metrics) RecordPluginError(moduleID, hook string) {
	m.pluginErrors.WithLabelValues(moduleID, hook).Inc()
}

func (m *Metrics) RecordResponse(kind string) {
	m.responses.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

// packetName returns the Go type name of a packet, e.g. "ChatMessage"
func packetName(p protocol.Packet) string {
	name := fmt.Sprintf("%T", p)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
