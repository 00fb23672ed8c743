package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.RunStarted("g")
	m.RunStarted("g")
	m.RunFinished("completed")
	m.NodeExecuted("noop", "succeeded", 10*time.Millisecond)
	m.PacketSent("event")
	m.Flushed("ok")
	m.LockConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("g")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeExecutions.WithLabelValues("noop", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockConflicts))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("g")
		m.RunFinished("failed")
		m.NodeExecuted("x", "failed", time.Second)
		m.PacketSent("ack")
		m.Flushed("error")
		m.LockConflict()
	})
}
