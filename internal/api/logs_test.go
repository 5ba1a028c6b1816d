package api

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vitals.report/internal/datalog"
	"github.com/banshee-data/vitals.report/internal/fsutil"
)

// writeDay appends n readings to the log for testNow's day under dir.
func writeDay(t *testing.T, fsys fsutil.FileSystem, dir string, n int) {
	t.Helper()
	w := datalog.NewWriter(datalog.WriterConfig{Dir: dir, FS: fsys})
	for i := 1; i <= n; i++ {
		require.NoError(t, w.Append(fullReading(t, i, testNow.Add(time.Duration(i)*time.Millisecond))))
	}
}

func TestDownloadLog_Gzip(t *testing.T) {
	dir := t.TempDir()
	writeDay(t, fsutil.OSFileSystem{}, dir, 3)
	env := newTestEnv(t, func(c *Config) {
		c.FS = fsutil.OSFileSystem{}
		c.LogDir = dir
	})

	rec := env.get(t, "/api/logs/2026-10-19")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="health_data_udp_2026-10-19.json.gz"`, rec.Header().Get("Content-Disposition"))

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)

	want, err := os.ReadFile(filepath.Join(dir, "health_data_udp_2026-10-19.json"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, bytes.Count(got, []byte{'\n'}))
}

func TestDownloadLog_JSON(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeDay(t, fsys, "logs", 2)
	env := newTestEnv(t, func(c *Config) { c.FS = fsys })

	rec := env.get(t, "/api/logs/2026-10-19?format=json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[[]map[string]any](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, float64(1), got[0]["packetNumber"])
	assert.Equal(t, "2026-10-19T08:15:02.124Z", got[0]["serverTimestamp"])
	assert.Equal(t, "ingest-2", got[1]["ingestId"])
}

func TestDownloadLog_JSONEmptyDay(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("logs", 0755))
	f, err := fsys.OpenAppend(filepath.Join("logs", "health_data_udp_2026-10-19.json"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	env := newTestEnv(t, func(c *Config) { c.FS = fsys })

	rec := env.get(t, "/api/logs/2026-10-19?format=json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDownloadLog_Errors(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, func(c *Config) {
		c.FS = fsutil.OSFileSystem{}
		c.LogDir = dir
	})

	tests := []struct {
		path string
		want int
	}{
		{"/api/logs/2026-10-18", http.StatusNotFound},
		{"/api/logs/2026-10-18?format=json", http.StatusNotFound},
		{"/api/logs/yesterday", http.StatusBadRequest},
		{"/api/logs/2026-13-01", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := env.get(t, tt.path)
		assert.Equal(t, tt.want, rec.Code, tt.path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), tt.path)
	}
}

func TestDownloadLog_MissingLogDir(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.FS = fsutil.OSFileSystem{}
		c.LogDir = filepath.Join(t.TempDir(), "never-created")
	})
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/logs/2026-10-19").Code)
}

func TestDownloadLog_CorruptLine(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeDay(t, fsys, "logs", 1)
	w, err := fsys.OpenAppend(filepath.Join("logs", "health_data_udp_2026-10-19.json"))
	require.NoError(t, err)
	_, err = w.Write([]byte("{not json\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	env := newTestEnv(t, func(c *Config) { c.FS = fsys })
	assert.Equal(t, http.StatusInternalServerError, env.get(t, "/api/logs/2026-10-19?format=json").Code)
	// The raw download still works.
	assert.Equal(t, http.StatusOK, env.get(t, "/api/logs/2026-10-19").Code)
}
