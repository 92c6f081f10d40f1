package metrics

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollector exports an RpcMetrics registry as Prometheus metrics,
// computing values on each scrape rather than duplicating the atomic
// counters into promauto instruments (adred-codev-ws_poc/internal/metrics).
type PrometheusCollector struct {
	metrics *RpcMetrics

	requests    *prometheus.Desc
	responses   *prometheus.Desc
	errors      *prometheus.Desc
	timeouts    *prometheus.Desc
	bytesOut    *prometheus.Desc
	bytesIn     *prometheus.Desc
	durationSum *prometheus.Desc
	durationMax *prometheus.Desc
	durationMin *prometheus.Desc
}

// NewPrometheusCollector wraps m for registration with a prometheus.Registry.
func NewPrometheusCollector(m *RpcMetrics) *PrometheusCollector {
	const namespace = "flow"
	labels := []string{"service"}
	return &PrometheusCollector{
		metrics:     m,
		requests:    prometheus.NewDesc(namespace+"_rpc_requests_total", "Total requests seen per service.", labels, nil),
		responses:   prometheus.NewDesc(namespace+"_rpc_responses_total", "Total responses seen per service.", labels, nil),
		errors:      prometheus.NewDesc(namespace+"_rpc_errors_total", "Total error replies per service.", labels, nil),
		timeouts:    prometheus.NewDesc(namespace+"_rpc_timeouts_total", "Total reply timeouts per service.", labels, nil),
		bytesOut:    prometheus.NewDesc(namespace+"_rpc_bytes_sent_total", "Total request bytes sent per service.", labels, nil),
		bytesIn:     prometheus.NewDesc(namespace+"_rpc_bytes_received_total", "Total response bytes received per service.", labels, nil),
		durationSum: prometheus.NewDesc(namespace+"_rpc_duration_seconds_sum", "Sum of processing-time seconds per service.", labels, nil),
		durationMax: prometheus.NewDesc(namespace+"_rpc_duration_seconds_max", "Max processing-time seconds observed per service.", labels, nil),
		durationMin: prometheus.NewDesc(namespace+"_rpc_duration_seconds_min", "Min processing-time seconds observed per service.", labels, nil),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.responses
	ch <- c.errors
	ch <- c.timeouts
	ch <- c.bytesOut
	ch <- c.bytesIn
	ch <- c.durationSum
	ch <- c.durationMax
	ch <- c.durationMin
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, service := range c.metrics.Services() {
		snap := c.metrics.Snapshot(service)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snap.Requests), service)
		ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(snap.Responses), service)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(snap.Errors), service)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(snap.TimeoutErrors), service)
		ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(snap.BytesSent), service)
		ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(snap.BytesReceived), service)
		ch <- prometheus.MustNewConstMetric(c.durationSum, prometheus.CounterValue, snap.DurationSum.Seconds(), service)
		ch <- prometheus.MustNewConstMetric(c.durationMax, prometheus.GaugeValue, snap.DurationMax.Seconds(), service)
		ch <- prometheus.MustNewConstMetric(c.durationMin, prometheus.GaugeValue, snap.DurationMin.Seconds(), service)
	}
}
