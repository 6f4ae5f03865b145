package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jstaube/pgrig/pkg/config"
)

// countSnapshots reports how many trace files the recorder has written to
// dir.
func countSnapshots(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

// TestRecorder_DisabledIsNil verifies a missing flight recorder section
// produces a nil recorder whose whole surface is inert.
func TestRecorder_DisabledIsNil(t *testing.T) {
	r := NewRecorder(nil, newTestLogger())
	require.Nil(t, r)

	assert.NoError(t, r.Start())
	assert.False(t, r.Enabled())
	r.OnAcquireStall(time.Hour)
	r.SetupSignalHandler(context.Background())
	r.Stop()

	_, err := r.TakeSnapshot("manual")
	assert.Error(t, err)
	assert.Error(t, r.WriteSnapshotTo(io.Discard))
	assert.False(t, r.Status().Enabled)

	mux := http.NewServeMux()
	r.RegisterHTTPHandlers(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/flight-recorder/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestRecorder_SnapshotRoundTrip verifies a manual snapshot lands on disk
// under a name derived from the reason, and that the counters track it.
func TestRecorder_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(&config.FlightRecorderConfig{OutputDir: dir}, newTestLogger())
	require.NotNil(t, r)
	require.NoError(t, r.Start())
	defer r.Stop()

	assert.True(t, r.Enabled())

	path, err := r.TakeSnapshot("unit test")
	require.NoError(t, err)

	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "pgrig-"), "snapshot name %q", name)
	assert.True(t, strings.HasSuffix(name, "-unit-test.trace"), "snapshot name %q", name)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size(), "snapshot must contain trace data")

	status := r.Status()
	assert.True(t, status.Enabled)
	assert.True(t, status.Running)
	assert.Equal(t, dir, status.OutputDir)
	assert.EqualValues(t, 1, status.SnapshotCount)
	assert.False(t, status.LastSnapshot.IsZero())

	r.Stop()
	r.Stop() // second Stop is a no-op
	assert.False(t, r.Enabled())
}

// TestRecorder_StallTriggerHonorsThreshold verifies only waits at or above
// the configured threshold capture a snapshot, and the cooldown suppresses
// a second one.
func TestRecorder_StallTriggerHonorsThreshold(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(&config.FlightRecorderConfig{
		OutputDir:      dir,
		OnAcquireStall: config.Duration(50 * time.Millisecond),
		Cooldown:       config.Duration(time.Hour),
	}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	assert.Equal(t, "50ms", r.Status().OnAcquireStall)

	r.OnAcquireStall(10 * time.Millisecond)
	assert.Equal(t, 0, countSnapshots(t, dir), "below-threshold wait must not snapshot")

	r.OnAcquireStall(75 * time.Millisecond)
	assert.Equal(t, 1, countSnapshots(t, dir))

	r.OnAcquireStall(80 * time.Millisecond)
	assert.Equal(t, 1, countSnapshots(t, dir), "cooldown must suppress the second snapshot")
}

// TestRecorder_StallTriggerOffByDefault verifies no wait captures a
// snapshot unless the trigger is configured.
func TestRecorder_StallTriggerOffByDefault(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(&config.FlightRecorderConfig{OutputDir: dir}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	r.OnAcquireStall(time.Hour)
	assert.Equal(t, 0, countSnapshots(t, dir))
	assert.Empty(t, r.Status().OnAcquireStall)
}

// TestRecorder_HTTPEndpoints verifies the status endpoint reports state and
// the snapshot endpoint streams trace data as a download.
func TestRecorder_HTTPEndpoints(t *testing.T) {
	r := NewRecorder(&config.FlightRecorderConfig{OutputDir: t.TempDir()}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	mux := http.NewServeMux()
	r.RegisterHTTPHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/flight-recorder/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status RecorderStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Enabled)
	assert.True(t, status.Running)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/flight-recorder/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".trace")
	assert.Positive(t, rec.Body.Len(), "download must contain trace data")
}

// TestRecorder_SnapshotEndpointWhenStopped verifies the snapshot endpoint
// refuses rather than serving an empty buffer.
func TestRecorder_SnapshotEndpointWhenStopped(t *testing.T) {
	r := NewRecorder(&config.FlightRecorderConfig{OutputDir: t.TempDir()}, newTestLogger())

	mux := http.NewServeMux()
	r.RegisterHTTPHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/flight-recorder/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestSanitizeFilename verifies reasons become a safe filename fragment.
func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces", "unit test", "unit-test"},
		{"already clean", "acquire-stall-75ms", "acquire-stall-75ms"},
		{"path traversal", "../../etc/passwd", "--etc-passwd"},
		{"empty", "", "unknown"},
		{"all dropped", "???", "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeFilename(tc.in))
		})
	}
}
