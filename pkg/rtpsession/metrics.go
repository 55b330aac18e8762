package rtpsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a Session reports to. A single
// instance may be shared across many sessions; per-session labels would
// blow out cardinality, so everything here is aggregate across the
// process, the way a media gateway would want to scrape it.
type Metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	rtcpReportsSent     prometheus.Counter
	rtcpReportsReceived prometheus.Counter
	rtcpTimeouts        *prometheus.CounterVec
	dtmfEventsSent      prometheus.Counter
	dtmfEventsReceived  prometheus.Counter
	negotiations        *prometheus.CounterVec
}

// NewMetrics registers a fresh set of collectors against the default
// Prometheus registry. Embedders that need an isolated registry should
// construct their own prometheus.Registry and use NewMetricsWith instead.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers collectors against a caller-supplied registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "packets_sent_total",
			Help:      "RTP packets transmitted, by media kind.",
		}, []string{"kind"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "packets_received_total",
			Help:      "RTP packets accepted by the demultiplexer, by media kind.",
		}, []string{"kind"}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "packets_dropped_total",
			Help:      "Inbound datagrams dropped during demultiplexing, by reason.",
		}, []string{"reason"}),
		rtcpReportsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "rtcp_reports_sent_total",
			Help:      "Compound RTCP reports transmitted.",
		}),
		rtcpReportsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "rtcp_reports_received_total",
			Help:      "Compound RTCP reports accepted by the demultiplexer.",
		}),
		rtcpTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "rtcp_timeouts_total",
			Help:      "RTCP reporter inactivity timeouts, by media kind.",
		}, []string{"kind"}),
		dtmfEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "dtmf_events_sent_total",
			Help:      "Telephony events sent to completion.",
		}),
		dtmfEventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "dtmf_events_received_total",
			Help:      "Distinct telephony events observed on receipt.",
		}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtpsession",
			Name:      "negotiations_total",
			Help:      "Offer/answer negotiation outcomes, by result.",
		}, []string{"result"}),
	}
}
