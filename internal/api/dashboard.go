package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/banshee-data/vitals.report/internal/httputil"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/version"
)

//go:embed templates/dashboard.html.tmpl
var dashboardFS embed.FS

var dashboardTemplate = template.Must(template.ParseFS(dashboardFS, "templates/dashboard.html.tmpl"))

type dashboardData struct {
	Title   string
	Version string
	// Poll intervals in milliseconds.
	LatestPollMs int
	ECGPollMs    int
	// StaleAfterMs is how old the latest reading may be before the status
	// badge switches from Connected to Delayed.
	StaleAfterMs int
	Baseline     int
}

func (s *Server) showDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	data := dashboardData{
		Title:        "Digital Twin Dashboard",
		Version:      version.Version,
		LatestPollMs: 1000,
		ECGPollMs:    100,
		StaleAfterMs: 5000,
		Baseline:     ecgBaseline,
	}
	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, data); err != nil {
		monitoring.Logf("[http] failed to render dashboard: %v", err)
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
