package flow

import "time"

// Metrics collects dispatcher and pool measurements. Implementations must be safe for concurrent use
// and must not block.
type Metrics interface {
	// RecordStepDuration records how long a step ran on a pool ("inline" for the calling goroutine).
	RecordStepDuration(pool string, typ ProcessingType, duration time.Duration)

	// RecordRejected records a task refused by a pool.
	RecordRejected(pool string, reason string)

	// RecordOverload records a back-pressure failure surfaced to a caller.
	RecordOverload(reason string)

	// RecordInFlight records the number of permits currently held.
	RecordInFlight(inFlight int)
}

// NilMetrics is the default no-op Metrics.
type NilMetrics struct{}

func (NilMetrics) RecordStepDuration(string, ProcessingType, time.Duration) {}
func (NilMetrics) RecordRejected(string, string)                           {}
func (NilMetrics) RecordOverload(string)                                   {}
func (NilMetrics) RecordInFlight(int)                                      {}
