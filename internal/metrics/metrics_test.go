package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.Operation("approve", "ok", 10*time.Millisecond)
	m.Operation("approve", "ok", 20*time.Millisecond)
	m.Issues(2, 1)
	m.HandoffSent("retry")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("approve", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.issuesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.issuesFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handoffSent.WithLabelValues("retry")))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Operation("create", "ok", time.Second)
	m.Conflict()
	m.Issues(1, 1)
	m.Cycle("critical")
	m.HandoffSent("initial")
	m.HandoffOutcome("acked")
}
