package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Supervisor metrics
	ExecutionStarted()
	ExecutionFinished(status string, duration time.Duration)
	LogFlushed(reason string)
	PrecheckFailed()

	// Process controller metrics
	TerminateCompleted(stage string)

	// Recovery metrics
	StaleRunsFailed(reason string, count int)
	QueuedRunsDiscarded(count int)
}

// Flush reasons for LogFlushed.
const (
	FlushLine      = "line"
	FlushHeartbeat = "heartbeat"
	FlushFinal     = "final"
)

// Termination stages for TerminateCompleted.
const (
	StageAlreadyExited = "already_exited"
	StageGraceful      = "graceful"
	StageForced        = "forced"
	StageFailed        = "failed"
)

// Reasons for StaleRunsFailed.
const (
	ReasonWorkerRestart    = "worker_restart"
	ReasonHeartbeatExpired = "heartbeat_expired"
)
