// Package prometheus exports flow measurements as Prometheus collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/fogfactory/flow"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts flow.Metrics to Prometheus collectors.
type MetricsExporter struct {
	stepDurationSeconds *prom.HistogramVec
	rejectedTotal       *prom.CounterVec
	overloadTotal       *prom.CounterVec
	inFlight            prom.Gauge
}

var _ flow.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers the collectors. Collectors already registered under the same
// names are reused, so several dispatchers can share one registerer.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "flow"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Step execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"pool", "type"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "pool_rejected_total",
		Help:      "Total number of tasks rejected by a pool.",
	}, []string{"pool", "reason"})
	overloadVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "overload_total",
		Help:      "Total number of overload failures returned to callers.",
	}, []string{"reason"})
	inFlight := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight",
		Help:      "Number of concurrency permits currently held.",
	})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if overloadVec, err = registerCollector(reg, overloadVec); err != nil {
		return nil, err
	}
	if inFlight, err = registerCollector(reg, inFlight); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		stepDurationSeconds: durationVec,
		rejectedTotal:       rejectedVec,
		overloadTotal:       overloadVec,
		inFlight:            inFlight,
	}, nil
}

// RecordStepDuration records a step execution duration.
func (m *MetricsExporter) RecordStepDuration(pool string, typ flow.ProcessingType, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDurationSeconds.WithLabelValues(normalizeLabel(pool, "unknown"), typ.String()).Observe(duration.Seconds())
}

// RecordRejected records a task refused by a pool.
func (m *MetricsExporter) RecordRejected(pool string, reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordOverload records an overload failure.
func (m *MetricsExporter) RecordOverload(reason string) {
	if m == nil {
		return
	}
	m.overloadTotal.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// RecordInFlight records the held permits.
func (m *MetricsExporter) RecordInFlight(inFlight int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(inFlight))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
