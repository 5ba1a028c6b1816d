// Package api serves the retained telemetry over HTTP: JSON projections of
// the retention store and device registry, charts, daily log downloads and
// the live dashboard.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/vitals.report/internal/datalog"
	"github.com/banshee-data/vitals.report/internal/fsutil"
	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/telemetry"
	"github.com/banshee-data/vitals.report/internal/timeutil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Archive is long-term storage of full readings, such as the SQLite mirror.
type Archive interface {
	RecentReadings(ctx context.Context, deviceID string, limit int) ([]telemetry.EnrichedReading, error)
}

// LogQueue reports the state of the queued log writer.
type LogQueue interface {
	Written() int64
	Dropped() int64
}

// Config wires a Server to the ingestion state. Store and Registry are
// required; the rest are optional.
type Config struct {
	Store    *retention.Store
	Registry *registry.Registry
	Stats    *ingest.PacketStats
	LogQueue LogQueue
	Archive  Archive
	// Logs is the recorder behind /debug/logs.
	Logs *monitoring.Recorder

	LogDir string
	FS     fsutil.FileSystem
	Clock  timeutil.Clock
}

type Server struct {
	store    *retention.Store
	registry *registry.Registry
	stats    *ingest.PacketStats
	logQueue LogQueue
	archive  Archive
	logs     *monitoring.Recorder
	logDir   string
	fs       fsutil.FileSystem
	clock    timeutil.Clock
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		stats:    cfg.Stats,
		logQueue: cfg.LogQueue,
		archive:  cfg.Archive,
		logs:     cfg.Logs,
		logDir:   cfg.LogDir,
		fs:       cfg.FS,
		clock:    cfg.Clock,
	}
	if s.stats == nil {
		s.stats = ingest.NewPacketStats()
	}
	if s.logDir == "" {
		s.logDir = datalog.DefaultDir
	}
	if s.fs == nil {
		s.fs = fsutil.OSFileSystem{}
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// CORSMiddleware allows any origin to read the API, so dashboards hosted
// elsewhere on the local network can poll it.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.showDashboard)
	mux.HandleFunc("/api/health-data", s.listHistory)
	mux.HandleFunc("/api/health-data/latest", s.showLatest)
	mux.HandleFunc("/api/health-data/archive", s.listArchive)
	mux.HandleFunc("/api/ecg-data", s.listECG)
	mux.HandleFunc("/api/ecg-data/stats", s.showECGStats)
	mux.HandleFunc("/api/ecg-data/chart.svg", s.renderECGChart)
	mux.HandleFunc("/api/device-status", s.showDeviceStatus)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/logs/{date}", s.downloadLog)
	mux.HandleFunc("/charts/history", s.renderHistoryChart)
	return mux
}
