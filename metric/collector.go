// Package metric exposes the counters of an engine.TrafficController to
// Prometheus.
package metric

import (
	"net/http"

	"github.com/arloliu/go-xnet/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "xnet"

// Collector is a prometheus.Collector reading engine.Metrics on every scrape.
type Collector struct {
	collectors []prometheus.Collector
}

var _ prometheus.Collector = (*Collector)(nil)

type counterDef struct {
	name string
	help string
	load func(*engine.Metrics) float64
}

var counterDefs = []counterDef{
	{"messages_sent_total", "Messages written to the interface, resends included.",
		func(m *engine.Metrics) float64 { return float64(m.MessageSendCount.Load()) }},
	{"replies_received_total", "Packets received from the interface.",
		func(m *engine.Metrics) float64 { return float64(m.ReplyRecvCount.Load()) }},
	{"unsolicited_replies_total", "Packets not correlated with a sent message.",
		func(m *engine.Metrics) float64 { return float64(m.UnsolicitedReplyCount.Load()) }},
	{"framing_errors_total", "Packets dropped for a bad length or checksum.",
		func(m *engine.Metrics) float64 { return float64(m.FramingErrorCount.Load()) }},
	{"retransmits_total", "Resends caused by retransmittable errors.",
		func(m *engine.Metrics) float64 { return float64(m.RetransmitCount.Load()) }},
	{"timeouts_total", "Reply timeouts.",
		func(m *engine.Metrics) float64 { return float64(m.TimeoutCount.Load()) }},
	{"unexpected_replies_total", "Correlated replies no handler accepted.",
		func(m *engine.Metrics) float64 { return float64(m.UnexpectedReplyCount.Load()) }},
	{"correlation_mismatches_total", "Conversations ended with a stale expected reply.",
		func(m *engine.Metrics) float64 { return float64(m.CorrelationMismatchCount.Load()) }},
	{"commands_completed_total", "Finished conversations.",
		func(m *engine.Metrics) float64 { return float64(m.CommandCompleteCount.Load()) }},
	{"commands_failed_total", "Conversations that ended with an error.",
		func(m *engine.Metrics) float64 { return float64(m.CommandFailCount.Load()) }},
	{"accessory_off_pulses_total", "Accessory OFF commands queued.",
		func(m *engine.Metrics) float64 { return float64(m.OffPulseCount.Load()) }},
	{"accessory_resyncs_total", "Accessory status queries queued after disagreeing feedback.",
		func(m *engine.Metrics) float64 { return float64(m.ResyncCount.Load()) }},
	{"concurrent_actions_total", "Layout actions detected while an accessory command was open.",
		func(m *engine.Metrics) float64 { return float64(m.ConcurrentActionCount.Load()) }},
}

// NewCollector creates a collector for metrics. labels are attached to every
// metric, typically the port name.
func NewCollector(metrics *engine.Metrics, labels prometheus.Labels) *Collector {
	c := &Collector{}

	for _, def := range counterDefs {
		load := def.load
		c.collectors = append(c.collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        def.name,
			Help:        def.help,
			ConstLabels: labels,
		}, func() float64 { return load(metrics) }))
	}

	c.collectors = append(c.collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Name:        "commands_inflight",
		Help:        "Conversations waiting for replies.",
		ConstLabels: labels,
	}, func() float64 { return float64(metrics.CommandInflightCount.Load()) }))

	return c
}

// NewControllerCollector is NewCollector for tc, adding a gauge reporting
// whether the command station is in programming mode.
func NewControllerCollector(tc *engine.TrafficController, labels prometheus.Labels) *Collector {
	c := NewCollector(tc.Metrics(), labels)
	c.collectors = append(c.collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Name:        "programming_mode",
		Help:        "1 while the command station is in programming mode.",
		ConstLabels: labels,
	}, func() float64 {
		if tc.Mode() == engine.ModeProgramming {
			return 1
		}
		return 0
	}))

	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors {
		col.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors {
		col.Collect(ch)
	}
}

// Handler returns an HTTP handler serving the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
