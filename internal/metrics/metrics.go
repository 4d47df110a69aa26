// Package metrics exposes load pass counters in the Prometheus format.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitebski/survey-loader/pkg/models"
)

const namespace = "survey_loader"

// Metrics implements loader.Recorder on top of Prometheus collectors
type Metrics struct {
	registry    *prometheus.Registry
	instances   *prometheus.CounterVec
	rows        *prometheus.CounterVec
	errors      *prometheus.CounterVec
	submissions *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Submission instances processed, by form group and outcome.",
		}, []string{"form_group", "outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Destination rows handled, by table and outcome.",
		}, []string{"table", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Processing errors recorded, by kind.",
		}, []string{"kind"}),
		submissions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "submissions",
			Help:      "Stored submissions per form and processing state.",
		}, []string{"form", "state"}),
	}
	m.registry.MustRegister(m.instances, m.rows, m.errors, m.submissions)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// InstanceLoaded counts one instance outcome
func (m *Metrics) InstanceLoaded(formGroup, outcome string) {
	m.instances.WithLabelValues(formGroup, outcome).Inc()
}

// RowWritten counts one row outcome
func (m *Metrics) RowWritten(table, outcome string) {
	m.rows.WithLabelValues(table, outcome).Inc()
}

// ErrorRecorded counts one error log entry
func (m *Metrics) ErrorRecorded(kind models.ErrorKind) {
	m.errors.WithLabelValues(string(kind)).Inc()
}

// ObserveStatus sets the submission gauges from a status report
func (m *Metrics) ObserveStatus(status []models.FormStatus) {
	for _, st := range status {
		form := strconv.FormatInt(st.FormID, 10)
		m.submissions.WithLabelValues(form, "processed").Set(float64(st.Processed))
		m.submissions.WithLabelValues(form, "unprocessed").Set(float64(st.Unprocessed))
	}
}

// WriteFile writes the current values in the text exposition format
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
