// Package metrics provides metrics recording for LLM client operations.
package metrics

import "time"

// Request describes one completed model call.
//
//nolint:govet // logical grouping preferred
type Request struct {
	Model            string
	Component        string
	PromptTokens     int
	CompletionTokens int
	Success          bool
	ErrorType        string
	Duration         time.Duration
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(req Request)

	// IncThrottle increments the throttle counter, once per backoff taken by the retry wrapper.
	IncThrottle(model, reason string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (NoopRecorder) ObserveRequest(Request) {}

// IncThrottle does nothing in the no-op recorder.
func (NoopRecorder) IncThrottle(_, _ string) {}
