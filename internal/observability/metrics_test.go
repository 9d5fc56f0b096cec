package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Singleton(t *testing.T) {
	require.Same(t, NewMetrics(), NewMetrics())
}

func TestMetrics_RecordOutcome(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.Outcomes.WithLabelValues(EntrypointSend, "resolved"))
	m.RecordOutcome(EntrypointSend, "resolved", 120*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.Outcomes.WithLabelValues(EntrypointSend, "resolved")))
}

func TestMetrics_ActiveSessions(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.ActiveSessions)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	require.Equal(t, before+1, testutil.ToFloat64(m.ActiveSessions))
	m.SessionClosed()
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.RecordOutcome(EntrypointStream, "rejected", time.Second)
	})
}
