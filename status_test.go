package devloop

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusEndpointSnapshot(t *testing.T) {
	f := newCoordFixture(t)
	server := NewStatusServer(f.coord, "127.0.0.1:0", noopLogger{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.LiveReloadEnabled)
	assert.Zero(t, status.Restarts)
}

func TestStatusEndpointScanAndRestart(t *testing.T) {
	f := newCoordFixture(t)
	writeFile(t, filepath.Join(f.src, "a.src"), "v1")
	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	ts := httptest.NewServer(NewStatusServer(f.coord, "", noopLogger{}).Handler())
	defer ts.Close()

	// Nothing changed, a user scan is a no-op.
	resp, err := http.Post(ts.URL+"/scan", "application/json", nil)
	require.NoError(t, err)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.False(t, body["restarted"])

	f.edit(t, f.src, "a.src", "v2", 2*time.Second)
	resp, err = http.Post(ts.URL+"/scan", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.True(t, body["restarted"])
	assert.Equal(t, 1, f.restartCount())

	// Forced restart via the dedicated route.
	resp, err = http.Post(ts.URL+"/restart", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.True(t, body["restarted"])
	assert.Equal(t, 2, f.restartCount())
}

func TestStatusEndpointToggles(t *testing.T) {
	f := newCoordFixture(t)
	ts := httptest.NewServer(NewStatusServer(f.coord, "", noopLogger{}).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/instrumentation", "application/json", nil)
	require.NoError(t, err)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.True(t, body["instrumentationEnabled"])
	assert.True(t, f.coord.Session().InstrumentationEnabled())

	resp, err = http.Post(ts.URL+"/live-reload", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.False(t, body["liveReloadEnabled"])
	assert.False(t, f.coord.IsLiveReloadEnabled())
}
