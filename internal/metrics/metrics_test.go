package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Login("success")
	m.Login("success")
	m.Login("signature_mismatch")
	m.RiskScore(42)

	require.Equal(t, float64(2), testutil.ToFloat64(m.logins.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.logins.WithLabelValues("signature_mismatch")))

	n, err := testutil.GatherAndCount(reg, "walletauth_risk_score")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Login("success")
		m.Refresh("success")
		m.RiskScore(1)
	})
}
