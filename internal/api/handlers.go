package api

import (
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/vitals.report/internal/httputil"
	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/version"
)

// noDataMessage is returned by /api/health-data/latest before the first
// full reading. The dashboard keys off the presence of "message".
const noDataMessage = "No data available"

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	latest, ok := s.store.Latest()
	if !ok {
		httputil.WriteMessage(w, noDataMessage)
		return
	}
	httputil.WriteJSONOK(w, latest)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := retention.ParseLimit(r.URL.Query().Get("limit"), s.store.DefaultLimit())
	httputil.WriteJSONOK(w, s.store.History(limit))
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "archive not configured")
		return
	}
	q := r.URL.Query()
	limit := retention.ParseLimit(q.Get("limit"), s.store.DefaultLimit())
	readings, err := s.archive.RecentReadings(r.Context(), strings.TrimSpace(q.Get("device")), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to query archive")
		return
	}
	httputil.WriteJSONOK(w, readings)
}

func (s *Server) listECG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.store.HighFrequencySamples())
}

func (s *Server) showDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.registry.Snapshot())
}

type logQueueStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

type statsResponse struct {
	Ingest          ingest.StatsSnapshot `json:"ingest"`
	HistoryLength   int                  `json:"historyLength"`
	ECGWindowLength int                  `json:"ecgWindowLength"`
	Devices         int                  `json:"devices"`
	LogQueue        *logQueueStats       `json:"logQueue,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	history, samples := s.store.Counts()
	resp := statsResponse{
		Ingest:          s.stats.Snapshot(),
		HistoryLength:   history,
		ECGWindowLength: samples,
		Devices:         s.registry.Len(),
	}
	if s.logQueue != nil {
		resp.LogQueue = &logQueueStats{Written: s.logQueue.Written(), Dropped: s.logQueue.Dropped()}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

// AttachAdminRoutes registers the recent log lines page on the tsweb debug
// mux. It does nothing when the server has no log recorder.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	if s.logs == nil {
		return
	}
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("logs", "Recent log lines", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range s.logs.Lines() {
			w.Write([]byte(line))
			w.Write([]byte{'\n'})
		}
	})
}
