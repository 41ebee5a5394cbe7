package chunkuploader

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes chunk upload counters to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	retries  prometheus.Counter
	duration prometheus.Histogram
	inFlight prometheus.Gauge
}

// NewMetrics creates the upload collectors and registers them with reg.
// Collectors already registered by another Metrics instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recupload",
			Name:      "chunk_attempts_total",
			Help:      "Chunk upload attempts by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recupload",
			Name:      "chunk_retries_total",
			Help:      "Chunk uploads scheduled for a retry.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "recupload",
			Name:      "chunk_upload_seconds",
			Help:      "Duration of chunk upload attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recupload",
			Name:      "chunks_in_flight",
			Help:      "Chunk uploads currently in flight.",
		}),
	}

	var err error
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	if m.retries, err = register(reg, m.retries); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) attemptStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) attemptFinished(kind ResultKind, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.attempts.WithLabelValues(kind.String()).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
