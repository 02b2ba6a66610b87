package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsCountObservations(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveOutcome("completed")
	m.ObserveOutcome("completed")
	m.ObserveCleanup("ok")
	m.ObserveCleanup("panic")
	m.AddLogDropped(3)
	m.AddLogDropped(0)
	m.ObserveIO("read", "ok", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanups.WithLabelValues("panic")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.logDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ioDuration))
}

func TestObserveSessionSetsGauges(t *testing.T) {
	t.Parallel()

	m := New()
	started := time.Unix(1_700_000_000, 0)
	m.ObserveSession(started, started.Add(1500*time.Millisecond))

	assert.InDelta(t, 1.5, testutil.ToFloat64(m.sessionDuration), 1e-9)
	assert.InDelta(t, 1_700_000_001.5, testutil.ToFloat64(m.lastCompletion), 1e-3)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveOutcome("failed")
	m.ObserveIO("write", "timed_out", time.Second)
	m.ObserveCleanup("ok")
	m.AddLogDropped(1)
	m.ObserveSession(time.Now(), time.Now())
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile("/nonexistent/metrics.prom"))
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveOutcome("cancelled")

	path := filepath.Join(t.TempDir(), "textfile", "taskrunner.prom")
	require.NoError(t, m.WriteTextfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), `taskrunner_session_outcomes_total{outcome="cancelled"} 1`))

	require.NoError(t, m.WriteTextfile("  "))
}
