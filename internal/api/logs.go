package api

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"

	"github.com/banshee-data/vitals.report/internal/datalog"
	"github.com/banshee-data/vitals.report/internal/fsutil"
	"github.com/banshee-data/vitals.report/internal/httputil"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/security"
)

// downloadLog serves one day's log file, gzip-compressed, or as a JSON
// array with ?format=json.
func (s *Server) downloadLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	day, err := datalog.ParseDay(r.PathValue("date"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	name := datalog.FileName(day)
	path := filepath.Join(s.logDir, name)

	// Only paths on the real filesystem can escape through symlinks.
	if _, onDisk := s.fs.(fsutil.OSFileSystem); onDisk {
		if err := security.ValidatePathWithinDirectory(path, s.logDir); err != nil {
			httputil.NotFound(w, "no log for "+day.Format("2006-01-02"))
			return
		}
	}

	if r.URL.Query().Get("format") == "json" {
		readings, err := datalog.ReadDay(s.fs, s.logDir, day)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			httputil.NotFound(w, "no log for "+day.Format("2006-01-02"))
		case err != nil:
			monitoring.Logf("[http] failed to read %s: %v", path, err)
			httputil.InternalServerError(w, "failed to read log")
		default:
			httputil.WriteJSONOK(w, readings)
		}
		return
	}

	data, err := s.fs.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		httputil.NotFound(w, "no log for "+day.Format("2006-01-02"))
		return
	}
	if err != nil {
		monitoring.Logf("[http] failed to read %s: %v", path, err)
		httputil.InternalServerError(w, "failed to read log")
		return
	}
	if err := httputil.WriteGzipAttachment(w, name, data); err != nil {
		monitoring.Logf("[http] failed to send %s: %v", path, err)
	}
}
