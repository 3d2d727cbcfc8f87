// Package metrics exposes the collector's Prometheus registry.
package metrics

import (
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry wraps the Prometheus collectors the collector reports.
type Registry struct {
	RoomsConnected   prometheus.Gauge
	PacketsPublished prometheus.Counter
	PacketsDropped   prometheus.Counter
	RoomRetries      prometheus.Counter
	RoomAbandoned    prometheus.Counter

	UploaderFetchErrors prometheus.Counter

	FileSinkWritten  prometheus.Counter
	FileSinkRotated  prometheus.Counter
	TSDBInserted     prometheus.Counter
	TSDBFailed       prometheus.Counter
	TSDBBufferLevel  prometheus.Gauge

	processCPUPercent prometheus.Gauge
	processRSSBytes   prometheus.Gauge
	goroutines        prometheus.Gauge
	proc              *process.Process

	registry *prometheus.Registry
}

// New constructs a fresh, self-contained Prometheus registry and registers
// all collectors into it. Using a dedicated registry per Registry instance
// (rather than the global DefaultRegisterer) keeps independent instances —
// one per test, one per process — from colliding on metric names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,
		RoomsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddpanel_rooms_connected",
			Help: "Number of rooms with an active live connection",
		}),
		PacketsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_packets_published_total",
			Help: "Total number of packets published onto the packet broadcast",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_packets_dropped_total",
			Help: "Total number of packets a sink observed as a broadcast lag notification",
		}),
		RoomRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_room_retries_total",
			Help: "Total number of RoomConnector reconnect attempts",
		}),
		RoomAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_room_abandoned_total",
			Help: "Total number of rooms abandoned after exhausting the error budget",
		}),
		UploaderFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_uploader_fetch_errors_total",
			Help: "Total number of failed uploader-stat HTTP fetches",
		}),
		FileSinkWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_filesink_lines_written_total",
			Help: "Total number of newline-delimited JSON records written by file sinks",
		}),
		FileSinkRotated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_filesink_rotations_total",
			Help: "Total number of file-sink date rotations",
		}),
		TSDBInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_tsdb_points_inserted_total",
			Help: "Total number of points successfully written to the time-series database",
		}),
		TSDBFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ddpanel_tsdb_points_failed_total",
			Help: "Total number of points dropped after exhausting TSDB write retries",
		}),
		TSDBBufferLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddpanel_tsdb_buffer_level",
			Help: "Current number of points buffered in the TSDB sink",
		}),
		processCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddpanel_process_cpu_percent",
			Help: "Process CPU usage percentage, sampled via gopsutil",
		}),
		processRSSBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddpanel_process_rss_bytes",
			Help: "Process resident set size in bytes, sampled via gopsutil",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ddpanel_goroutines",
			Help: "Current number of goroutines",
		}),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

// Handler returns the HTTP handler to mount at the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SampleSelf refreshes the gopsutil-derived self-monitoring gauges. Callers
// invoke this on a periodic ticker; gopsutil's process sampling does its own
// blocking I/O so this should not run on a hot path.
func (r *Registry) SampleSelf() {
	r.goroutines.Set(float64(runtime.NumGoroutine()))
	if r.proc == nil {
		return
	}
	if pct, err := r.proc.CPUPercent(); err == nil {
		r.processCPUPercent.Set(pct)
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		r.processRSSBytes.Set(float64(mem.RSS))
	}
}
