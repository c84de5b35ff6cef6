// Package metrics registers the recorder's Prometheus gauges/counters
// and serves them on a local /metrics endpoint, the way the retrieval
// pack's SDR and telemetry exporters do with promhttp.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry holds every metric this recorder exports, labeled by channel
// where that makes sense.
type Registry struct {
	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	GapsDetected     *prometheus.CounterVec
	GapSamplesFilled *prometheus.CounterVec
	SegmentsWritten  *prometheus.CounterVec

	DiscriminationConfidence *prometheus.GaugeVec
	ClockOffsetMs            *prometheus.GaugeVec
	ClockOffsetUncertainty   *prometheus.GaugeVec
	TimeSnapGrade            *prometheus.GaugeVec
	KalmanMeasurements       *prometheus.GaugeVec
}

// NewRegistry registers every metric against reg (use
// prometheus.NewRegistry() for a process-local registry, or
// prometheus.DefaultRegisterer to share the global one).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timesnap_packets_received_total",
			Help: "RTP packets received per channel.",
		}, []string{"channel"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timesnap_packets_dropped_total",
			Help: "RTP packets dropped (duplicate or beyond reorder horizon) per channel.",
		}, []string{"channel"}),
		GapsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timesnap_gaps_detected_total",
			Help: "Confirmed sample gaps per channel, by reason.",
		}, []string{"channel", "reason"}),
		GapSamplesFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timesnap_gap_samples_filled_total",
			Help: "Zero-filled samples written per channel.",
		}, []string{"channel"}),
		SegmentsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timesnap_segments_written_total",
			Help: "Finalized minute segments published per channel.",
		}, []string{"channel"}),
		DiscriminationConfidence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timesnap_discrimination_confidence",
			Help: "Most recent discrimination confidence, 0=low 0.5=medium 1=high, per channel.",
		}, []string{"channel"}),
		ClockOffsetMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timesnap_clock_offset_ms",
			Help: "Most recent D_clock estimate in milliseconds, per channel; the fused estimate uses the FUSED channel label.",
		}, []string{"channel"}),
		ClockOffsetUncertainty: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timesnap_clock_offset_uncertainty_ms",
			Help: "Most recent clock offset uncertainty in milliseconds, per channel.",
		}, []string{"channel"}),
		TimeSnapGrade: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timesnap_grade",
			Help: "Current TimeSnap grade as an ordinal: 3=TONE_LOCKED 2=NTP_SYNCED 1=INTERPOLATED 0=WALL_CLOCK.",
		}, []string{"channel"}),
		KalmanMeasurements: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timesnap_kalman_measurements",
			Help: "Count of measurements folded into the clock offset Kalman filter, per channel.",
		}, []string{"channel"}),
	}
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until
// ctx is canceled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server exited")
			return err
		}
		return nil
	}
}

// GradeOrdinal maps a TimeSnap grade name to the ordinal TimeSnapGrade
// expects.
func GradeOrdinal(grade string) float64 {
	switch grade {
	case "TONE_LOCKED":
		return 3
	case "NTP_SYNCED":
		return 2
	case "INTERPOLATED":
		return 1
	default:
		return 0
	}
}

// ConfidenceOrdinal maps a discriminator confidence name to a [0,1]
// gauge value.
func ConfidenceOrdinal(confidence string) float64 {
	switch confidence {
	case "high":
		return 1.0
	case "medium":
		return 0.5
	default:
		return 0.0
	}
}
