// Package metrics exposes import progress as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/archive-to-mailbox/stats"
)

const namespace = "archive_to_mailbox"

// Observer is a stats.Sink that mirrors the latest snapshot into gauges.
type Observer struct {
	registry *prometheus.Registry

	folders   *prometheus.GaugeVec
	messages  *prometheus.GaugeVec
	progress  prometheus.Gauge
	logEvents *prometheus.CounterVec
}

func New() *Observer {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Observer{
		registry: reg,
		folders: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "folders",
				Help:      "Folders of the current import by state",
			},
			[]string{"state"},
		),
		messages: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "messages",
				Help:      "Messages of the current import by outcome",
			},
			[]string{"outcome"},
		),
		progress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "progress_percent",
				Help:      "Progress of the current import from 0 to 100",
			},
		),
		logEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_events_total",
				Help:      "Log events pushed to observers",
			},
			[]string{"level"},
		),
	}
}

// Publish implements stats.Sink.
func (o *Observer) Publish(evt stats.Event) {
	switch evt.Type {
	case stats.EventTypeStats:
		s := evt.Stats
		o.folders.WithLabelValues("total").Set(float64(s.TotalFolders))
		o.folders.WithLabelValues("processed").Set(float64(s.ProcessedFolders))
		o.folders.WithLabelValues("created").Set(float64(s.CreatedFolders))
		o.folders.WithLabelValues("existing").Set(float64(s.ExistingFolders))
		o.folders.WithLabelValues("error").Set(float64(s.ErrorFolders))
		o.messages.WithLabelValues("total").Set(float64(s.TotalEmails))
		o.messages.WithLabelValues("processed").Set(float64(s.ProcessedEmails))
		o.messages.WithLabelValues("skipped").Set(float64(s.SkippedEmails))
		o.messages.WithLabelValues("error").Set(float64(s.ErrorEmails))
	case stats.EventTypeProgress:
		o.progress.Set(evt.Progress)
	case stats.EventTypeLog:
		level := "info"
		if evt.Err != nil {
			level = "error"
		}
		o.logEvents.WithLabelValues(level).Inc()
	}
}

// Reset clears the per-import gauges before a new import starts.
func (o *Observer) Reset() {
	o.folders.Reset()
	o.messages.Reset()
	o.progress.Set(0)
}

func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the observer's registry in the Prometheus text format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}
