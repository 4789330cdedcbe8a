// Package metrics holds the process-wide Prometheus registry and the
// metric set enumerated in spec §4.11/§6.5, adapted from
// JohnPitter-concord's internal/observability promauto pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the Worker Runner emits.
type Metrics struct {
	AudioFragmentsTotal   *prometheus.CounterVec
	FallbackTotal         *prometheus.CounterVec
	InflightFragments     *prometheus.GaugeVec
	STSBreakerState       *prometheus.GaugeVec
	ReconnectionTotal     *prometheus.CounterVec
	BackpressureEvents    *prometheus.CounterVec
	AVSyncDeltaMs         *prometheus.HistogramVec

	ASRStageLatencyMs         *prometheus.HistogramVec
	TranslationStageLatencyMs *prometheus.HistogramVec
	TTSStageLatencyMs         *prometheus.HistogramVec
	FragmentStatusTotal       *prometheus.CounterVec
}

// New creates and registers the metric set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AudioFragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_audio_fragments_total",
				Help: "Total number of audio fragments received per stream.",
			},
			[]string{"stream_id"},
		),
		FallbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_fallback_total",
				Help: "Total number of fragments resolved with fallback (passthrough) audio.",
			},
			[]string{"stream_id"},
		),
		InflightFragments: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "worker_inflight_fragments",
				Help: "Current number of in-flight fragments awaiting STS resolution.",
			},
			[]string{"stream_id"},
		),
		STSBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "worker_sts_breaker_state",
				Help: "STS peer circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"stream_id"},
		),
		ReconnectionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_reconnection_total",
				Help: "Total number of STS peer reconnection attempts.",
			},
			[]string{"stream_id"},
		),
		BackpressureEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_backpressure_events_total",
				Help: "Total number of backpressure severity transitions.",
			},
			[]string{"stream_id", "action"},
		),
		AVSyncDeltaMs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_av_sync_delta_ms",
				Help:    "Audio/video PTS delta observed by the sync manager, in milliseconds.",
				Buckets: []float64{5, 10, 20, 40, 80, 160, 320},
			},
			[]string{"stream_id"},
		),
		ASRStageLatencyMs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_asr_stage_latency_ms",
				Help:    "ASR stage latency in milliseconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream_id"},
		),
		TranslationStageLatencyMs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_translation_stage_latency_ms",
				Help:    "Translation stage latency in milliseconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream_id"},
		),
		TTSStageLatencyMs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_tts_stage_latency_ms",
				Help:    "TTS stage latency in milliseconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream_id"},
		),
		FragmentStatusTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_fragment_status_total",
				Help: "Total fragments processed by final status.",
			},
			[]string{"stream_id", "status"},
		),
	}
}
