package rtp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetricsFixture(t *testing.T) (*SessionManager, *Session) {
	t.Helper()

	manager := NewSessionManager(DefaultSessionManagerConfig())
	t.Cleanup(func() { _ = manager.StopAll() })

	session, _, err := manager.UseOrCreateSession(7, func(id uint32) (*Session, error) {
		return newPipeSession(t, id), nil
	})
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, session.WriteData(context.Background(), NewDataFrame(160)))
	}
	return manager, session
}

func TestMetricsCollector(t *testing.T) {
	manager, _ := newMetricsFixture(t)
	collector := NewMetricsCollector(manager, DefaultMetricsConfig())

	expected := `
# HELP rtp_session_active Number of sessions in the registry
# TYPE rtp_session_active gauge
rtp_session_active 1
# HELP rtp_session_created_total Total number of sessions added to the registry
# TYPE rtp_session_created_total counter
rtp_session_created_total 1
# HELP rtp_session_octets_sent_total RTP payload octets sent
# TYPE rtp_session_octets_sent_total counter
rtp_session_octets_sent_total{session_id="7"} 320
# HELP rtp_session_packets_sent_total RTP packets sent
# TYPE rtp_session_packets_sent_total counter
rtp_session_packets_sent_total{session_id="7"} 2
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"rtp_session_active",
		"rtp_session_created_total",
		"rtp_session_octets_sent_total",
		"rtp_session_packets_sent_total")
	assert.NoError(t, err)

	assert.Zero(t, testutil.CollectAndCount(collector, "rtp_session_jitter_buffer_target_delay"),
		"без jitter buffer метрика задержки не публикуется")
}

func TestMetricsCollectorJitterBuffer(t *testing.T) {
	manager, session := newMetricsFixture(t)
	require.NoError(t, session.SetJitterBufferSize(320, 1600))

	collector := NewMetricsCollector(manager, DefaultMetricsConfig())
	expected := `
# HELP rtp_session_jitter_buffer_target_delay Jitter buffer target delay in media clock units
# TYPE rtp_session_jitter_buffer_target_delay gauge
rtp_session_jitter_buffer_target_delay{session_id="7"} 320
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"rtp_session_jitter_buffer_target_delay"))
}

func TestMetricsCollectorConstLabels(t *testing.T) {
	manager, _ := newMetricsFixture(t)
	collector := NewMetricsCollector(manager, MetricsConfig{
		Namespace:   "media",
		ConstLabels: prometheus.Labels{"node": "edge-1"},
	})

	expected := `
# HELP media_active Number of sessions in the registry
# TYPE media_active gauge
media_active{node="edge-1"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "media_active"))

	problems, err := testutil.CollectAndLint(collector)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestMetricsHandler(t *testing.T) {
	manager, _ := newMetricsFixture(t)
	collector := NewMetricsCollector(manager, DefaultMetricsConfig())

	handler, err := collector.Handler()
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rtp_session_packets_sent_total{session_id="7"} 2`)
	assert.Contains(t, string(body), "go_goroutines", "стандартные метрики процесса")
}
