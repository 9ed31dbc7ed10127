// Package metrics records the outcome of a submission run in Prometheus form.
// Nothing is served; the registry is written to a node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons used as the reason label
const (
	ReasonConfig     = "config"
	ReasonConnection = "connection"
	ReasonAuth       = "auth"
	ReasonDelivery   = "delivery"
	ReasonCanceled   = "canceled"
)

// Recorder holds the counters for one process run
type Recorder struct {
	registry *prometheus.Registry

	messagesSent *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	lastSuccess  *prometheus.GaugeVec
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testmail_messages_sent_total",
				Help: "Total number of messages accepted by the submission endpoint",
			},
			[]string{"endpoint"},
		),
		sendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testmail_send_failures_total",
				Help: "Total number of failed submission attempts by reason",
			},
			[]string{"endpoint", "reason"},
		),
		sendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "testmail_send_duration_seconds",
				Help:    "Time from dial to QUIT for a submission attempt",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"endpoint"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "testmail_last_success_timestamp_seconds",
				Help: "Unix time of the last accepted submission",
			},
			[]string{"endpoint"},
		),
	}
}

// RecordSuccess records an accepted submission
func (r *Recorder) RecordSuccess(endpoint string, d time.Duration) {
	r.messagesSent.WithLabelValues(endpoint).Inc()
	r.sendDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	r.lastSuccess.WithLabelValues(endpoint).SetToCurrentTime()
}

// RecordFailure records a failed attempt. A zero duration means the
// attempt never reached the network and is not observed.
func (r *Recorder) RecordFailure(endpoint, reason string, d time.Duration) {
	r.sendFailures.WithLabelValues(endpoint, reason).Inc()
	if d > 0 {
		r.sendDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// Registry exposes the underlying registry as a gatherer
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the registry in text exposition format. The write is
// atomic, so a collector never sees a partial file.
func (r *Recorder) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}

	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
