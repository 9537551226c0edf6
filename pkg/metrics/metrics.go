// Package metrics records payment engine events. The engine depends on the
// Recorder interface only; PrometheusRecorder and NoopRecorder implement it.
package metrics

import "time"

// Event names recorded by the engine.
const (
	EventAuthorizationSigned = "authorization_signed"
	EventPaymentExecuted     = "payment_executed"
	EventPaymentFailed       = "payment_failed"
	EventWatchMatched        = "watch_matched"
	EventWatchPollFailed     = "watch_poll_failed"
)

// Operation names observed for latency.
const (
	OpAuthorize = "authorize"
	OpExecute   = "execute"
	OpWatch     = "watch"
)

// Recorder receives counters and latencies. Labels carry at least "network".
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, d time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}

// Network is a shorthand for the common single-label set.
func Network(network string) map[string]string {
	return map[string]string{"network": network}
}
