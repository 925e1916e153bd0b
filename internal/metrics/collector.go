package lispmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "lispd"
	subsystem = "itr"

	mapCacheSubsystem = "mapcache"
)

// Label names for lispd metrics.
const (
	labelReason = "reason"
	labelState  = "state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus lispd Metrics
// -------------------------------------------------------------------------

// Collector holds all lispd Prometheus metrics.
//
// Metrics split along the same two axes as the engine itself:
//   - Packet counters track what the egress decision engine did with each
//     packet (forwarded natively, encapsulated to a resolved mapping, sent
//     to the proxy-ETR, or dropped with a reason label).
//   - Map-cache gauges/counters track the resolution subsystem: how many
//     entries sit in each FSM state, how many Map-Requests have gone out,
//     how many retry budgets have been exhausted, and how many
//     Solicit-Map-Requests have been processed.
type Collector struct {
	// PacketsNative counts packets forwarded without encapsulation
	// (non-EID source, or destined to the LISP data port itself).
	PacketsNative prometheus.Counter

	// PacketsEncapsulated counts packets successfully encapsulated to a
	// resolved map-cache mapping.
	PacketsEncapsulated prometheus.Counter

	// PacketsPETR counts packets encapsulated to the configured
	// proxy-ETR because no usable mapping existed yet.
	PacketsPETR prometheus.Counter

	// PacketsDropped counts packets that could not be forwarded at all,
	// labeled with the reason (e.g., "parse", "emission").
	PacketsDropped *prometheus.CounterVec

	// MapCacheEntries gauges the number of map-cache entries currently
	// in each FSM state (pending, active, negative, static).
	MapCacheEntries *prometheus.GaugeVec

	// MapRequests counts Map-Requests sent by the resolution subsystem,
	// including retries.
	MapRequests prometheus.Counter

	// RetriesExhausted counts entries whose retry budget ran out without
	// a Map-Reply, transitioning to the negative state.
	RetriesExhausted prometheus.Counter

	// SMRTotal counts Solicit-Map-Requests processed.
	SMRTotal prometheus.Counter
}

// NewCollector creates a Collector with all lispd metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsNative,
		c.PacketsEncapsulated,
		c.PacketsPETR,
		c.PacketsDropped,
		c.MapCacheEntries,
		c.MapRequests,
		c.RetriesExhausted,
		c.SMRTotal,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PacketsNative: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_native_total",
			Help:      "Total packets forwarded without encapsulation.",
		}),

		PacketsEncapsulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_encapsulated_total",
			Help:      "Total packets encapsulated to a resolved map-cache mapping.",
		}),

		PacketsPETR: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_petr_total",
			Help:      "Total packets encapsulated to the proxy-ETR fallback.",
		}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped, labeled by reason.",
		}, []string{labelReason}),

		MapCacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: mapCacheSubsystem,
			Name:      "entries",
			Help:      "Number of map-cache entries currently in each state.",
		}, []string{labelState}),

		MapRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: mapCacheSubsystem,
			Name:      "map_requests_total",
			Help:      "Total Map-Requests sent, including retries.",
		}),

		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: mapCacheSubsystem,
			Name:      "retries_exhausted_total",
			Help:      "Total entries whose retry budget ran out without a Map-Reply.",
		}),

		SMRTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: mapCacheSubsystem,
			Name:      "smr_total",
			Help:      "Total Solicit-Map-Requests processed.",
		}),
	}
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsNative increments the native-forward counter.
func (c *Collector) IncPacketsNative() {
	c.PacketsNative.Inc()
}

// IncPacketsEncapsulated increments the encapsulated-to-mapping counter.
func (c *Collector) IncPacketsEncapsulated() {
	c.PacketsEncapsulated.Inc()
}

// IncPacketsPETR increments the encapsulated-to-PETR counter.
func (c *Collector) IncPacketsPETR() {
	c.PacketsPETR.Inc()
}

// IncPacketsDropped increments the dropped-packet counter for the given
// reason. The engine uses "parse", "no-locator", "no-interface-addr",
// "build-outer", "emission" and "native-emission".
func (c *Collector) IncPacketsDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Map-Cache Gauges and Counters
// -------------------------------------------------------------------------

// SetMapCacheEntries sets the gauge for the given FSM state to count.
// Called by the engine's refreshMapCacheGauge after every operation that
// can change an entry's membership or state, with a full recomputed
// census rather than an incremental delta.
func (c *Collector) SetMapCacheEntries(state string, count float64) {
	c.MapCacheEntries.WithLabelValues(state).Set(count)
}

// IncMapRequests increments the Map-Request counter. Called once per
// Map-Request transmitted, including retries.
func (c *Collector) IncMapRequests() {
	c.MapRequests.Inc()
}

// IncRetriesExhausted increments the retry-exhaustion counter. Called
// when an entry's retry budget runs out and it transitions to negative.
func (c *Collector) IncRetriesExhausted() {
	c.RetriesExhausted.Inc()
}

// IncSMR increments the Solicit-Map-Request counter.
func (c *Collector) IncSMR() {
	c.SMRTotal.Inc()
}
