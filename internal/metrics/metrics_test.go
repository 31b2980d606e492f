package metrics

import (
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

// The collectors are package globals, so the whole lifecycle is exercised
// in one test against one registry.
func TestRegisterAndRecord(t *testing.T) {
	// Helpers are no-ops before registration.
	IncStart("early")
	assert.Equal(t, 0, testutil.CollectAndCount(serviceStarts))

	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("smtp_server")
	IncStart("smtp_server")
	IncStop("smtp_server", "graceful")
	IncRestart("web_interface")
	IncCrash("web_interface")
	IncLaunchFailure("web_interface", "port_in_use")
	RecordStateTransition("smtp_server", "stopped", "starting")
	SetCurrentState("smtp_server", "running", []string{"stopped", "running"})
	SetUsage("smtp_server", 12.5, 4<<20)
	SetPortConflicts(1)
	IncMonitorIteration("ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(serviceStarts.WithLabelValues("smtp_server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceStops.WithLabelValues("smtp_server", "graceful")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceRestarts.WithLabelValues("web_interface")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceCrashes.WithLabelValues("web_interface")))
	assert.Equal(t, 1.0, testutil.ToFloat64(launchFailures.WithLabelValues("web_interface", "port_in_use")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stateTransitions.WithLabelValues("smtp_server", "stopped", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("smtp_server", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("smtp_server", "stopped")))
	assert.Equal(t, 12.5, testutil.ToFloat64(cpuPercent.WithLabelValues("smtp_server")))
	assert.Equal(t, float64(4<<20), testutil.ToFloat64(memoryBytes.WithLabelValues("smtp_server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(portConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(monitorIterations.WithLabelValues("ok")))

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `mailsvc_service_starts_total{name="smtp_server"} 2`))
	assert.Contains(t, string(body), "mailsvc_port_conflicts 1")
}
