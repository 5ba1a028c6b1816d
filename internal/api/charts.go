package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"slices"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/vitals.report/internal/httputil"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/telemetry"
)

const (
	// ecgBaseline is the mid-scale of the device's 12-bit ADC.
	ecgBaseline = 2048
	ecgADCMax   = 4095

	historyChartLimit = 300
)

// ECGStats summarises the high-frequency window.
type ECGStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	// ContactRatio is the fraction of samples taken with good electrode
	// contact.
	ContactRatio float64 `json:"contactRatio"`
	// SpanMillis is the device-clock time covered by the window and
	// SampleRateHz the rate implied by it.
	SpanMillis   int64   `json:"spanMillis"`
	SampleRateHz float64 `json:"sampleRateHz"`
}

// ComputeECGStats summarises samples. An empty window yields a zero value.
func ComputeECGStats(samples []telemetry.SampleProjection) ECGStats {
	if len(samples) == 0 {
		return ECGStats{}
	}
	values := make([]float64, len(samples))
	contact := 0
	for i, s := range samples {
		values[i] = float64(s.Value)
		if s.Contact {
			contact++
		}
	}

	out := ECGStats{
		Count:        len(samples),
		Min:          floats.Min(values),
		Max:          floats.Max(values),
		ContactRatio: float64(contact) / float64(len(samples)),
	}
	if len(values) > 1 {
		out.Mean, out.StdDev = stat.MeanStdDev(values, nil)
	} else {
		out.Mean = values[0]
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	out.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)

	out.SpanMillis = samples[len(samples)-1].Timestamp - samples[0].Timestamp
	if out.SpanMillis > 0 {
		out.SampleRateHz = float64(len(samples)-1) * 1000 / float64(out.SpanMillis)
	}
	return out
}

func (s *Server) showECGStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ComputeECGStats(s.store.HighFrequencySamples()))
}

// ecgPlot draws the ECG window against device time, with a dashed line at
// the ADC mid-scale.
func ecgPlot(samples []telemetry.SampleProjection) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "ECG"
	p.X.Label.Text = "Device time (ms)"
	p.Y.Label.Text = "ADC value"
	p.Y.Min, p.Y.Max = 0, ecgADCMax
	p.Add(plotter.NewGrid())

	if len(samples) == 0 {
		p.X.Min, p.X.Max = 0, 1
		return p, nil
	}

	start := samples[0].Timestamp
	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: float64(s.Timestamp - start), Y: float64(s.Value)}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("ecg line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{G: 160, A: 255}
	p.Add(line)

	last := pts[len(pts)-1].X
	baseline, err := plotter.NewLine(plotter.XYs{{X: 0, Y: ecgBaseline}, {X: last, Y: ecgBaseline}})
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	baseline.Width = vg.Points(0.5)
	baseline.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	baseline.Color = color.Gray{Y: 128}
	p.Add(baseline)
	return p, nil
}

func (s *Server) renderECGChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	p, err := ecgPlot(s.store.HighFrequencySamples())
	if err != nil {
		httputil.InternalServerError(w, "failed to build chart")
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 3*vg.Inch, "svg")
	if err != nil {
		httputil.InternalServerError(w, "failed to render chart")
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, "failed to render chart")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// optionalPoint maps a missing value to a gap in the echarts series.
func optionalPoint(v *float64) opts.LineData {
	if v == nil {
		return opts.LineData{Value: nil}
	}
	return opts.LineData{Value: *v}
}

// renderHistoryChart renders temperature and heart-rate history as an
// interactive go-echarts page.
func (s *Server) renderHistoryChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := retention.ParseLimit(r.URL.Query().Get("limit"), historyChartLimit)
	history := s.store.History(limit)

	xs := make([]string, len(history))
	t0 := make([]opts.LineData, len(history))
	t1 := make([]opts.LineData, len(history))
	t2 := make([]opts.LineData, len(history))
	bpm := make([]opts.LineData, len(history))
	for i, h := range history {
		xs[i] = h.ServerTimestamp.Format("15:04:05")
		t0[i] = optionalPoint(h.Reading.Temperatures.T0)
		t1[i] = optionalPoint(h.Reading.Temperatures.T1)
		t2[i] = optionalPoint(h.Reading.Temperatures.T2)
		bpm[i] = optionalPoint(h.Reading.HeartRate.Current)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vitals history", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Temperature and heart rate", Subtitle: fmt.Sprintf("last %d readings", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(xs).
		AddSeries("T0", t0).
		AddSeries("T1", t1).
		AddSeries("T2", t2).
		AddSeries("BPM", bpm)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		monitoring.Logf("[http] failed to render history chart: %v", err)
		http.Error(w, "failed to render chart", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
