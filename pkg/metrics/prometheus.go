package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver exposes the service's measurement events as Prometheus
// collectors. It owns its registry so repeated construction (tests) does not
// trip duplicate registration.
type PrometheusObserver struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsEnded    prometheus.Counter
	SessionsReaped   prometheus.Counter
	SegmentsAdded    prometheus.Counter
	AudioDropped     prometheus.Counter
	BufferFlushes    prometheus.Counter
	DeliveryAttempts *prometheus.CounterVec
	DeliveryOutcomes *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
}

func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Number of currently active transcription sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_ended_total",
			Help: "Total number of sessions ended explicitly",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_reclaimed_total",
			Help: "Total number of sessions reclaimed after idle timeout",
		}),
		SegmentsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcript_segments_total",
			Help: "Total number of transcript segments buffered",
		}),
		AudioDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_frames_dropped_total",
			Help: "Inbound audio frames dropped because a session queue was full",
		}),
		BufferFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_buffer_flushes_total",
			Help: "Total number of transcript buffer flushes",
		}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_webhook_attempts_total",
			Help: "Total webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_webhook_deliveries_total",
			Help: "Completed webhook delivery calls by final status",
		}, []string{"status"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_webhook_duration_seconds",
			Help:    "End-to-end webhook delivery duration including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// Handler serves the /metrics endpoint for this observer's registry.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusObserver) RecordEvent(ev Event) {
	switch ev.Name {
	case EventSessionCreated:
		p.SessionsCreated.Inc()
		p.ActiveSessions.Set(ev.Value)
	case EventSessionEnded:
		p.SessionsEnded.Inc()
		p.ActiveSessions.Set(ev.Value)
	case EventSessionReclaimed:
		p.SessionsReaped.Inc()
		p.ActiveSessions.Set(ev.Value)
	case EventSegmentAdded:
		p.SegmentsAdded.Inc()
	case EventAudioDropped:
		p.AudioDropped.Inc()
	case EventBufferFlushed:
		p.BufferFlushes.Inc()
	case EventDeliveryAttempt:
		p.DeliveryAttempts.WithLabelValues(ev.Tags["outcome"]).Inc()
	case EventDeliveryDone:
		p.DeliveryOutcomes.WithLabelValues(ev.Tags["status"]).Inc()
		p.DeliveryDuration.Observe(ev.Value)
	}
}
