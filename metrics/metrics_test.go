package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.PacketIn("battery")
	m.PacketIn("battery")
	m.PacketOut("pair")
	m.Handshake("ok")
	m.Handshake("failed")
	m.Handshake("ok")
	m.Dial("unreachable")

	require.Equal(t, 2.0, testutil.ToFloat64(m.packetsIn.WithLabelValues("battery")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.packetsOut.WithLabelValues("pair")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.handshakes.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dials.WithLabelValues("unreachable")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PacketIn("battery")
	m.PacketOut("battery")
	m.Handshake("ok")
	m.Dial("ok")
	require.NoError(t, m.ObservePeers([]string{"connected"}, func(string) int { return 1 }))
	require.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesPeerGauges(t *testing.T) {
	m := New()
	counts := map[string]int{"connected": 2, "visible": 5, "saved": 1}
	require.NoError(t, m.ObservePeers([]string{"connected", "visible", "saved"}, func(list string) int {
		return counts[list]
	}))
	m.PacketIn("battery")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, `devlink_peers{list="connected"} 2`), text)
	require.True(t, strings.Contains(text, `devlink_peers{list="visible"} 5`), text)
	require.True(t, strings.Contains(text, `devlink_peers{list="saved"} 1`), text)
	require.True(t, strings.Contains(text, `devlink_packets_received_total{type="battery"} 1`), text)
}

func TestObservePeersRejectsDuplicates(t *testing.T) {
	m := New()
	require.NoError(t, m.ObservePeers([]string{"connected"}, func(string) int { return 0 }))
	require.Error(t, m.ObservePeers([]string{"connected"}, func(string) int { return 0 }))
}
