package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.IncSubmission("sandbox", "accepted")
	m.IncSubmission("sandbox", "accepted")
	m.IncSubmission("sandbox", "rejected")
	m.AddReconcileResult("matched", 3)
	m.AddReconcileResult("missing_locally", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Submissions.WithLabelValues("sandbox", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("sandbox", "rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileResults.WithLabelValues("matched")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRecordsReserved("sandbox")
		m.IncChainIntegrityFailure()
		m.ObserveLockWait(time.Millisecond)
		m.ObserveAuthorityLatency("submit", time.Second)
		m.IncAuditEvent("ALTA_FACTURA")
	})
}
