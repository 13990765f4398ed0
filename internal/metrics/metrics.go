// Package metrics records per-run build metrics in a private Prometheus
// registry and writes them in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kiln"

// Recorder holds the metrics of one kiln process.
type Recorder struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge
	runDuration   prometheus.Gauge
	stateDuration *prometheus.GaugeVec
	imageDuration *prometheus.GaugeVec
	artifactBytes *prometheus.GaugeVec
	historyBuilds prometheus.Gauge
	generation    prometheus.Gauge
	pruned        prometheus.Counter
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Build runs by outcome.",
		}, []string{"outcome"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run built or skipped, 0 if it aborted.",
		}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		stateDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent in each coordinator state during the last run.",
		}, []string{"state"}),
		imageDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "image_build_duration_seconds",
			Help:      "Time spent generating each image kind.",
		}, []string{"kind"}),
		artifactBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of each artifact of the latest build.",
		}, []string{"kind"}),
		historyBuilds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_builds",
			Help:      "Committed builds in history.",
		}),
		generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_generation",
			Help:      "Generation of the latest build.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_builds_total",
			Help:      "Builds removed by retention.",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// RunFinished records a run's outcome and wall time.
func (r *Recorder) RunFinished(outcome string, success bool, finished time.Time, took time.Duration) {
	r.runs.WithLabelValues(outcome).Inc()
	r.lastRun.Set(float64(finished.Unix()))
	r.runDuration.Set(took.Seconds())
	if success {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
}

// StateDone records time spent in a coordinator state.
func (r *Recorder) StateDone(state string, took time.Duration) {
	r.stateDuration.WithLabelValues(state).Set(took.Seconds())
}

// ImageBuilt records one image kind.
func (r *Recorder) ImageBuilt(kind string, took time.Duration, size int64) {
	r.imageDuration.WithLabelValues(kind).Set(took.Seconds())
	r.artifactBytes.WithLabelValues(kind).Set(float64(size))
}

// History records the state of history after a run.
func (r *Recorder) History(builds, generation int, pruned int) {
	r.historyBuilds.Set(float64(builds))
	r.generation.Set(float64(generation))
	r.pruned.Add(float64(pruned))
}

// WriteTextfile atomically writes all metrics to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
