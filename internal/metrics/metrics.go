// Package metrics exposes recorder outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"speedlog/internal/measure"
	"speedlog/internal/probe"
)

// Collector implements recorder.Observer on its own registry.
type Collector struct {
	reg *prometheus.Registry

	downloadMbps   prometheus.Gauge
	uploadMbps     prometheus.Gauge
	pingMs         prometheus.Gauge
	lastSuccess    prometheus.Gauge
	probesTotal    *prometheus.CounterVec
	probeDuration  prometheus.Histogram
	sinkFailures   *prometheus.CounterVec
	restartsTotal  prometheus.Counter
	recorderUp     prometheus.Gauge
	storeRecords   prometheus.Gauge
	bytesTransfers *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		reg: reg,

		downloadMbps: f.NewGauge(prometheus.GaugeOpts{
			Name: "speedlog_download_mbps",
			Help: "Download rate of the latest successful measurement",
		}),
		uploadMbps: f.NewGauge(prometheus.GaugeOpts{
			Name: "speedlog_upload_mbps",
			Help: "Upload rate of the latest successful measurement",
		}),
		pingMs: f.NewGauge(prometheus.GaugeOpts{
			Name: "speedlog_ping_ms",
			Help: "Latency of the latest successful measurement",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "speedlog_last_success_timestamp_seconds",
			Help: "Capture time of the latest successful measurement",
		}),
		probesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speedlog_probes_total",
			Help: "Probe attempts by result and failing stage",
		}, []string{"result", "stage"}),
		probeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speedlog_probe_duration_seconds",
			Help:    "Wall time of probe attempts",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
		}),
		sinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speedlog_sink_failures_total",
			Help: "Failed sink writes",
		}, []string{"sink"}),
		restartsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "speedlog_recorder_restarts_total",
			Help: "Recorders replaced by the watchdog",
		}),
		recorderUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "speedlog_recorder_up",
			Help: "1 when the recorder loop is running",
		}),
		storeRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "speedlog_store_records",
			Help: "Records held in memory",
		}),
		bytesTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speedlog_transferred_bytes_total",
			Help: "Bytes moved by successful probes",
		}, []string{"direction"}),
	}
}

func (c *Collector) ProbeSucceeded(rec measure.Record, took time.Duration) {
	c.downloadMbps.Set(rec.DownloadMbps)
	c.uploadMbps.Set(rec.UploadMbps)
	c.pingMs.Set(rec.PingMs)
	c.lastSuccess.Set(float64(rec.CapturedAt.Unix()))
	c.probesTotal.WithLabelValues("ok", "").Inc()
	c.probeDuration.Observe(took.Seconds())
	c.bytesTransfers.WithLabelValues("sent").Add(float64(max(0, rec.BytesSent)))
	c.bytesTransfers.WithLabelValues("received").Add(float64(max(0, rec.BytesReceived)))
}

func (c *Collector) ProbeFailed(stage probe.Stage, took time.Duration) {
	c.probesTotal.WithLabelValues("error", string(stage)).Inc()
	c.probeDuration.Observe(took.Seconds())
}

func (c *Collector) SinkFailed(sink string) {
	c.sinkFailures.WithLabelValues(sink).Inc()
}

func (c *Collector) RecorderRestarted() { c.restartsTotal.Inc() }

// SetRecorderState records liveness and store size, sampled by the caller.
func (c *Collector) SetRecorderState(running bool, records int) {
	if running {
		c.recorderUp.Set(1)
	} else {
		c.recorderUp.Set(0)
	}
	c.storeRecords.Set(float64(records))
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
