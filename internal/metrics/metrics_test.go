package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "server-1")

	m.SessionInstances.Set(3)
	m.SessionUsers.Set(7)
	m.InstructionsTotal.Inc()
	m.InstructionsTotal.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionInstances))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SessionUsers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InstructionsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["skein_session_instances"])
	assert.True(t, names["skein_cluster_peers"])
	assert.True(t, names["skein_session_flush_duration_seconds"])
}

func TestNewMetricsSeparateRegistries(t *testing.T) {
	// Two servers in one process (tests do this) must not collide.
	a := NewMetrics(prometheus.NewRegistry(), "a")
	b := NewMetrics(prometheus.NewRegistry(), "b")

	a.ClusterPeers.Set(1)
	b.ClusterPeers.Set(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ClusterPeers))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.ClusterPeers))
}
