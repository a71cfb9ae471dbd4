// Package metrics records pipeline step timings and record counters through
// a pluggable Backend. The default backend discards everything, so callers
// never need to check whether metrics are configured.
//
// Concrete systems live in subpackages (prompush, datadog) and are installed
// once at start-up with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by this package.
const (
	StepTotal       = "sira_step_total"
	StepDuration    = "sira_step_duration_seconds"
	RecordsTotal    = "sira_records_total"
	defaultStatusOK = "success"
	statusFailure   = "failure"
)

// Step names used by the pipeline.
const (
	StepRetrieve  = "retrieve"
	StepProject   = "project"
	StepJoin      = "join"
	StepRenderCSV = "render_csv"
	StepRenderSQL = "render_sql"
	StepLoadDB    = "load_db"
)

// Record counter kinds.
const (
	KindStaged           = "staged"
	KindFetchFailed      = "fetch_failed"
	KindProjected        = "projected"
	KindProjectionFailed = "projection_failed"
	KindJoinMiss         = "join_miss"
	KindRendered         = "rendered"
	KindLoaded           = "loaded"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. Passing nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of step and records its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	status := defaultStatusOK
	if err != nil {
		status = statusFailure
	}
	lbls := Labels{"job": job, "step": step, "status": status}

	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRow adds delta to the record counter of the given kind. Non-positive
// deltas are ignored.
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(delta), Labels{"job": job, "kind": kind})
}
