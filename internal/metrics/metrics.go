// Package metrics holds the prometheus collectors shared by the osc and
// transport packages.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "transport",
			Name:      "packets_received_total",
			Help:      "Raw packets handed to the packet handler.",
		},
		[]string{"kind"},
	)
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Packets written to a socket.",
		},
		[]string{"kind"},
	)
	sendDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "transport",
			Name:      "send_dropped_total",
			Help:      "Outgoing packets dropped before reaching the socket.",
		},
		[]string{"kind", "reason"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Stream reconnect attempts triggered by transport errors.",
		},
		[]string{"kind"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "transport",
			Name:      "frame_errors_total",
			Help:      "Fatal stream framing errors.",
		},
		[]string{"framing"},
	)
	parseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "osc",
			Name:      "parse_failures_total",
			Help:      "Malformed packets discarded by a receiver.",
		},
	)
	callbackPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "osc",
			Name:      "callback_panics_total",
			Help:      "Callbacks that panicked and were recovered.",
		},
	)
	messagesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oscwire",
			Subsystem: "osc",
			Name:      "messages_dispatched_total",
			Help:      "Messages that matched at least one registered method.",
		},
	)
)

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(packetsReceived, packetsSent, sendDropped, reconnects,
			frameErrors, parseFailures, callbackPanics, messagesDispatched)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func PacketReceived(kind string) {
	packetsReceived.WithLabelValues(kind).Inc()
}

func PacketSent(kind string) {
	packetsSent.WithLabelValues(kind).Inc()
}

func SendDropped(kind, reason string) {
	sendDropped.WithLabelValues(kind, reason).Inc()
}

func Reconnect(kind string) {
	reconnects.WithLabelValues(kind).Inc()
}

func FrameError(framing string) {
	frameErrors.WithLabelValues(framing).Inc()
}

func ParseFailure() {
	parseFailures.Inc()
}

func CallbackPanic() {
	callbackPanics.Inc()
}

func MessageDispatched() {
	messagesDispatched.Inc()
}
