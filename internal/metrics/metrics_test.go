package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, cv.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordLogin(t *testing.T) {
	before := counterVecValue(t, LoginsTotal, OutcomeSuccess)
	RecordLogin(OutcomeSuccess)
	RecordLogin(OutcomeSuccess)
	assert.Equal(t, before+2, counterVecValue(t, LoginsTotal, OutcomeSuccess))
}

func TestRecordRegistration(t *testing.T) {
	before := counterVecValue(t, RegistrationsTotal, OutcomeConflict)
	RecordRegistration(OutcomeConflict)
	assert.Equal(t, before+1, counterVecValue(t, RegistrationsTotal, OutcomeConflict))
}

func TestRecordGateRejection(t *testing.T) {
	before := counterVecValue(t, GateRejectionsTotal, "expired")
	RecordGateRejection("expired")
	assert.Equal(t, before+1, counterVecValue(t, GateRejectionsTotal, "expired"))
}

func TestRecordSessionsReaped(t *testing.T) {
	before := counterValue(t, SessionsReapedTotal)
	RecordSessionsReaped(3)
	RecordSessionsReaped(0)
	assert.Equal(t, before+3, counterValue(t, SessionsReapedTotal))
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/auth/me", 200, 15*time.Millisecond)

	m := &dto.Metric{}
	observer := HTTPRequestDurationSeconds.WithLabelValues("GET", "/auth/me", "200")
	metric, ok := observer.(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, metric.Write(m))
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleCount(), uint64(1))
}
