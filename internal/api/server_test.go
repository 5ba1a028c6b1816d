package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vitals.report/internal/fsutil"
	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/telemetry"
	"github.com/banshee-data/vitals.report/internal/timeutil"
	"github.com/banshee-data/vitals.report/internal/version"
)

var (
	testNow    = time.Date(2026, 10, 19, 8, 15, 2, 123e6, time.UTC)
	testOrigin = telemetry.Origin{Address: "192.168.1.40", Port: 50123}
)

type testEnv struct {
	server   *Server
	mux      *http.ServeMux
	store    *retention.Store
	registry *registry.Registry
	stats    *ingest.PacketStats
	clock    *timeutil.MockClock
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	t.Cleanup(monitoring.Redirect(nil))
	env := &testEnv{
		store:    retention.NewStore(retention.Config{}),
		registry: registry.New(),
		stats:    ingest.NewPacketStats(),
		clock:    timeutil.NewMockClock(testNow),
	}
	cfg := Config{
		Store:    env.store,
		Registry: env.registry,
		Stats:    env.stats,
		FS:       fsutil.NewMemoryFileSystem(),
		Clock:    env.clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.server = NewServer(cfg)
	env.mux = env.server.ServeMux()
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// localHostRequest creates a request that appears to come from localhost,
// which tsweb.AllowDebugAccess requires.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func fullReading(t *testing.T, seq int, at time.Time) telemetry.EnrichedReading {
	t.Helper()
	p, err := telemetry.Decode([]byte(fmt.Sprintf(
		`{"deviceId":"esp32-1","packetType":"data","packetNumber":%d,"temperatures":{"t0":36.5,"t1":null},"heartRate":{"currentBPM":72,"avgBPM":70}}`, seq)))
	require.NoError(t, err)
	r, err := telemetry.Enrich(p, at, testOrigin, fmt.Sprintf("ingest-%d", seq))
	require.NoError(t, err)
	return r
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestShowLatest_NoData(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/api/health-data/latest")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"No data available"}`, rec.Body.String())
}

func TestShowLatest_ReturnsEnrichedReading(t *testing.T) {
	env := newTestEnv(t)
	env.store.RecordFullReading(fullReading(t, 1, testNow))

	rec := env.get(t, "/api/health-data/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)

	assert.Equal(t, "esp32-1", body["deviceId"])
	assert.Equal(t, "data", body["packetType"])
	assert.Equal(t, float64(1), body["packetNumber"])
	assert.Equal(t, "2026-10-19T08:15:02.123Z", body["serverTimestamp"])
	assert.Equal(t, map[string]any{"address": "192.168.1.40", "port": float64(50123)}, body["remoteInfo"])
	assert.Equal(t, map[string]any{"t0": 36.5, "t1": nil}, body["temperatures"])
	assert.NotContains(t, body, "message")
}

func TestListHistory_Limit(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 60; i++ {
		env.store.RecordFullReading(fullReading(t, i, testNow.Add(time.Duration(i)*time.Second)))
	}

	tests := []struct {
		query     string
		wantLen   int
		wantFirst float64
	}{
		{"", 50, 11},
		{"?limit=abc", 50, 11},
		{"?limit=-3", 50, 11},
		{"?limit=0", 50, 11},
		{"?limit=5", 5, 56},
		{"?limit=1", 1, 60},
		{"?limit=5000", 60, 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.get(t, "/api/health-data"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)
			got := decodeBody[[]map[string]any](t, rec)
			require.Len(t, got, tt.wantLen)
			assert.Equal(t, tt.wantFirst, got[0]["packetNumber"])
			assert.Equal(t, float64(60), got[len(got)-1]["packetNumber"], "newest reading is last")
		})
	}
}

func TestListHistory_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/api/health-data")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListECG(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/api/ecg-data")
	assert.JSONEq(t, `[]`, rec.Body.String())

	for i := 0; i < 250; i++ {
		env.store.RecordHighFrequencySample(telemetry.SampleProjection{Timestamp: int64(i * 50), Value: int64(2000 + i), Contact: true, DeviceID: "esp32-1"})
	}
	rec = env.get(t, "/api/ecg-data")
	got := decodeBody[[]telemetry.SampleProjection](t, rec)
	require.Len(t, got, 200)
	assert.Equal(t, telemetry.SampleProjection{Timestamp: 2500, Value: 2050, Contact: true, DeviceID: "esp32-1"}, got[0])
	assert.Equal(t, int64(2249), got[199].Value)
}

func TestShowDeviceStatus(t *testing.T) {
	env := newTestEnv(t)
	assert.JSONEq(t, `{}`, env.get(t, "/api/device-status").Body.String())

	env.registry.RecordSeen("esp32-1", "192.168.1.40", 50123, 7, testNow)
	rec := env.get(t, "/api/device-status")
	assert.JSONEq(t, `{"esp32-1":{"lastSeen":"2026-10-19T08:15:02.123Z","remoteAddress":"192.168.1.40","remotePort":50123,"packetNumber":7}}`, rec.Body.String())
}

type fakeQueue struct{ written, dropped int64 }

func (q fakeQueue) Written() int64 { return q.written }
func (q fakeQueue) Dropped() int64 { return q.dropped }

func TestShowStats(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LogQueue = fakeQueue{written: 12, dropped: 2} })
	env.stats.AddPacket(120)
	env.stats.AddFullReading()
	env.store.RecordFullReading(fullReading(t, 1, testNow))
	env.registry.RecordSeen("esp32-1", "192.168.1.40", 50123, 1, testNow)

	got := decodeBody[statsResponse](t, env.get(t, "/api/stats"))
	assert.Equal(t, int64(1), got.Ingest.Received)
	assert.Equal(t, int64(120), got.Ingest.Bytes)
	assert.Equal(t, int64(1), got.Ingest.FullReadings)
	assert.Equal(t, 1, got.HistoryLength)
	assert.Equal(t, 0, got.ECGWindowLength)
	assert.Equal(t, 1, got.Devices)
	assert.Equal(t, &logQueueStats{Written: 12, Dropped: 2}, got.LogQueue)

	env = newTestEnv(t)
	assert.NotContains(t, env.get(t, "/api/stats").Body.String(), "logQueue")
}

func TestShowVersion(t *testing.T) {
	env := newTestEnv(t)
	got := decodeBody[version.Info](t, env.get(t, "/api/version"))
	assert.Equal(t, version.Get(), got)
}

type fakeArchive struct {
	device string
	limit  int
	err    error
	out    []telemetry.EnrichedReading
}

func (a *fakeArchive) RecentReadings(_ context.Context, deviceID string, limit int) ([]telemetry.EnrichedReading, error) {
	a.device, a.limit = deviceID, limit
	return a.out, a.err
}

func TestListArchive(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/health-data/archive").Code)

	archive := &fakeArchive{}
	env = newTestEnv(t, func(c *Config) { c.Archive = archive })
	archive.out = []telemetry.EnrichedReading{fullReading(t, 3, testNow)}

	rec := env.get(t, "/api/health-data/archive?device=esp32-1&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "esp32-1", archive.device)
	assert.Equal(t, 10, archive.limit)
	assert.Len(t, decodeBody[[]map[string]any](t, rec), 1)

	env.get(t, "/api/health-data/archive?limit=nope")
	assert.Equal(t, retention.DefaultHistoryLimit, archive.limit)

	archive.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, env.get(t, "/api/health-data/archive").Code)
}

func TestRoutes_RejectWrongMethod(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/",
		"/api/health-data",
		"/api/health-data/latest",
		"/api/health-data/archive",
		"/api/ecg-data",
		"/api/ecg-data/stats",
		"/api/ecg-data/chart.svg",
		"/api/device-status",
		"/api/stats",
		"/api/version",
		"/api/logs/2026-10-19",
		"/charts/history",
	} {
		rec := httptest.NewRecorder()
		env.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestShowDashboard(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Digital Twin Dashboard</title>")
	assert.Contains(t, body, `fetch("/api/health-data/latest")`)
	assert.Contains(t, body, `fetch("/api/ecg-data")`)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/favicon.ico").Code)
}

func TestLoggingMiddleware(t *testing.T) {
	logs := monitoring.NewRecorder(0, nil)
	t.Cleanup(monitoring.Redirect(logs.Logf))

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats?x=1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	lines := logs.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], colorBoldRed+"418"+colorReset)
	assert.Contains(t, lines[0], "GET "+colorCyan+"/api/stats?x=1"+colorReset)
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestCORSMiddleware(t *testing.T) {
	called := false
	h := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/ecg-data", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ecg-data", nil))
	assert.True(t, called)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAttachAdminRoutes_Logs(t *testing.T) {
	logs := monitoring.NewRecorder(10, nil)
	logs.Logf("[ingest] heartbeat from esp32-1 (192.168.1.40:50123): uptime 65s")
	env := newTestEnv(t, func(c *Config) { c.Logs = logs })

	mux := http.NewServeMux()
	env.server.AttachAdminRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/logs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "[ingest] heartbeat from esp32-1 (192.168.1.40:50123): uptime 65s\n")

	// Without a recorder nothing is registered.
	env = newTestEnv(t)
	mux = http.NewServeMux()
	env.server.AttachAdminRoutes(mux)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/logs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
