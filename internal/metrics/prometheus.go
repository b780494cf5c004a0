package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	executionsInFlight prometheus.Gauge
	logFlushes         *prometheus.CounterVec
	precheckFailures   prometheus.Counter

	terminations *prometheus.CounterVec

	staleRuns       *prometheus.CounterVec
	discardedQueued prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptrunner_executions_started_total",
			Help: "Total number of executions claimed by a supervisor.",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptrunner_executions_finished_total",
			Help: "Total number of executions that reached a terminal status.",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scriptrunner_execution_duration_seconds",
			Help:    "Wall time from claim to terminal status.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"status"}),
		executionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptrunner_executions_in_flight",
			Help: "Number of executions currently supervised by this process.",
		}),
		logFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptrunner_log_flushes_total",
			Help: "Total number of log writes to the execution store.",
		}, []string{"reason"}),
		precheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptrunner_precheck_failures_total",
			Help: "Total number of executions rejected for missing packages.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptrunner_process_terminations_total",
			Help: "Total number of process tree terminations by the stage that ended them.",
		}, []string{"stage"}),
		staleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptrunner_stale_runs_failed_total",
			Help: "Total number of RUNNING records failed by recovery.",
		}, []string{"reason"}),
		discardedQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptrunner_queued_runs_discarded_total",
			Help: "Total number of queued run requests discarded on worker start.",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"scriptrunner_executions_started_total":    s.executionsStarted,
		"scriptrunner_executions_finished_total":   s.executionsFinished,
		"scriptrunner_execution_duration_seconds":  s.executionDuration,
		"scriptrunner_executions_in_flight":        s.executionsInFlight,
		"scriptrunner_log_flushes_total":           s.logFlushes,
		"scriptrunner_precheck_failures_total":     s.precheckFailures,
		"scriptrunner_process_terminations_total":  s.terminations,
		"scriptrunner_stale_runs_failed_total":     s.staleRuns,
		"scriptrunner_queued_runs_discarded_total": s.discardedQueued,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Could not register metric")
		}
	}
	return s
}

func (s *PrometheusSink) ExecutionStarted() {
	s.executionsStarted.Inc()
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionFinished(status string, duration time.Duration) {
	s.executionsInFlight.Dec()
	s.executionsFinished.WithLabelValues(status).Inc()
	s.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (s *PrometheusSink) LogFlushed(reason string) {
	s.logFlushes.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) PrecheckFailed() {
	s.precheckFailures.Inc()
}

func (s *PrometheusSink) TerminateCompleted(stage string) {
	s.terminations.WithLabelValues(stage).Inc()
}

func (s *PrometheusSink) StaleRunsFailed(reason string, count int) {
	s.staleRuns.WithLabelValues(reason).Add(float64(count))
}

func (s *PrometheusSink) QueuedRunsDiscarded(count int) {
	s.discardedQueued.Add(float64(count))
}
