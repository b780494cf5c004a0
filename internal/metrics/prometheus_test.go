package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/metrics"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg)

	sink.ExecutionStarted()
	sink.ExecutionStarted()
	sink.ExecutionFinished("COMPLETED", 2*time.Second)
	sink.LogFlushed(metrics.FlushLine)
	sink.LogFlushed(metrics.FlushLine)
	sink.LogFlushed(metrics.FlushHeartbeat)
	sink.PrecheckFailed()
	sink.TerminateCompleted(metrics.StageGraceful)
	sink.StaleRunsFailed(metrics.ReasonWorkerRestart, 3)
	sink.QueuedRunsDiscarded(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["scriptrunner_executions_in_flight"])
	assert.True(t, names["scriptrunner_log_flushes_total"])

	count, err := testutil.GatherAndCount(reg, "scriptrunner_executions_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expected := `
# HELP scriptrunner_executions_in_flight Number of executions currently supervised by this process.
# TYPE scriptrunner_executions_in_flight gauge
scriptrunner_executions_in_flight 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "scriptrunner_executions_in_flight"))
}

func TestPrometheusSink_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewPrometheusSink(reg)

	// a second sink on the same registry still works, its collectors are just not exported
	sink := metrics.NewPrometheusSink(reg)
	assert.NotPanics(t, func() {
		sink.ExecutionStarted()
		sink.ExecutionFinished("FAILED", time.Second)
	})
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, metrics.NoopSink{}, metrics.OrNoop(nil))

	sink := metrics.NewPrometheusSink(prometheus.NewRegistry())
	assert.Same(t, sink, metrics.OrNoop(sink))
}

