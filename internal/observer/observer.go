// Package observer defines metrics hooks for session execution.
package observer

import "time"

// MetricsRecorder records session metrics.
type MetricsRecorder interface {
	SessionStarted(language string)
	SessionEnded(language, reason string, lifetime time.Duration)
	ObserveCompile(language string, ok bool, elapsed time.Duration)
	ObserveOutput(language, stream string, n int)
	ObserveRejected(code string)
}

// NoopMetricsRecorder discards every observation.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) SessionStarted(string)                      {}
func (NoopMetricsRecorder) SessionEnded(string, string, time.Duration) {}
func (NoopMetricsRecorder) ObserveCompile(string, bool, time.Duration) {}
func (NoopMetricsRecorder) ObserveOutput(string, string, int)          {}
func (NoopMetricsRecorder) ObserveRejected(string)                     {}
