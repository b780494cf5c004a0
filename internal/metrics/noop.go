package metrics

import "time"

// NoopSink discards all metrics
type NoopSink struct{}

var _ Sink = NoopSink{}

func (NoopSink) ExecutionStarted() {}
func (NoopSink) ExecutionFinished(string, time.Duration) {}
func (NoopSink) LogFlushed(string) {}
func (NoopSink) PrecheckFailed() {}
func (NoopSink) TerminateCompleted(string) {}
func (NoopSink) StaleRunsFailed(string, int) {}
func (NoopSink) QueuedRunsDiscarded(int) {}

// OrNoop returns s, or a NoopSink when s is nil
func OrNoop(s Sink) Sink {
	if s == nil {
		return NoopSink{}
	}
	return s
}
