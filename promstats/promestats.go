package promstats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var PacketsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sipscope_packets_total",
		Help: "No of capture frames walked",
	},
)

var SIPMessages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sipscope_sip_messages_total",
		Help: "No of SIP messages parsed from UDP and reassembled TCP",
	},
)

var TLSPackets = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sipscope_tls_packets_total",
		Help: "No of opaque TLS packets counted on the SIP TLS port",
	},
)

var DecodeSkips = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sipscope_decode_skips_total",
		Help: "No of frames skipped during link/network/transport decode",
	},
)

var FilteredMessages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sipscope_filtered_messages_total",
		Help: "No of parsed messages dropped by the lua filter script",
	},
)

// StartMetrics registers the analysis counters and serves /metrics. It
// blocks; run it in its own goroutine.
func StartMetrics(addr string) error {
	prometheus.MustRegister(PacketsTotal)
	prometheus.MustRegister(SIPMessages)
	prometheus.MustRegister(TLSPackets)
	prometheus.MustRegister(DecodeSkips)
	prometheus.MustRegister(FilteredMessages)

	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, nil)
}
