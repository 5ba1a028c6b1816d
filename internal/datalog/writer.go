// Package datalog appends accepted full readings to per-day newline-delimited
// JSON files and reads them back.
package datalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/vitals.report/internal/fsutil"
	"github.com/banshee-data/vitals.report/internal/telemetry"
)

// DefaultDir is the log directory used when none is configured.
const DefaultDir = "logs"

const (
	filePrefix = "health_data_udp_"
	fileSuffix = ".json"
	dayLayout  = "2006-01-02"
)

// FileName returns the log file name for the calendar day of t, in t's
// location. Callers pick the location (UTC or local) before calling.
func FileName(t time.Time) string {
	return filePrefix + t.Format(dayLayout) + fileSuffix
}

// ParseDay parses a YYYY-MM-DD date as used in log file names.
func ParseDay(s string) (time.Time, error) {
	d, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: want YYYY-MM-DD", s)
	}
	return d, nil
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Dir       string
	FS        fsutil.FileSystem
	LocalTime bool // bucket days by server local time instead of UTC
}

// Writer appends enriched readings to the file for their receive day. Each
// Append is one open, one write and one close, so a file rotated or removed
// between calls is recreated on the next call.
type Writer struct {
	dir   string
	fs    fsutil.FileSystem
	local bool

	mu sync.Mutex
}

// NewWriter creates a Writer. Zero-valued config fields take defaults.
func NewWriter(cfg WriterConfig) *Writer {
	w := &Writer{
		dir:   cfg.Dir,
		fs:    cfg.FS,
		local: cfg.LocalTime,
	}
	if w.dir == "" {
		w.dir = DefaultDir
	}
	if w.fs == nil {
		w.fs = fsutil.OSFileSystem{}
	}
	return w
}

// Dir returns the log directory.
func (w *Writer) Dir() string { return w.dir }

// PathFor returns the file path used for readings appended at t.
func (w *Writer) PathFor(t time.Time) string {
	return filepath.Join(w.dir, FileName(w.bucket(t)))
}

func (w *Writer) bucket(t time.Time) time.Time {
	if w.local {
		return t.Local()
	}
	return t.UTC()
}

// Append writes r as a single JSON line to the file for the day r was
// received, however late the write happens.
func (w *Writer) Append(r telemetry.EnrichedReading) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading from %s: %w", r.DeviceID, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create log directory %s: %w", w.dir, err)
	}
	path := w.PathFor(r.ServerTimestamp)
	f, err := w.fs.OpenAppend(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// ReadDay returns every reading recorded in dir for the given day, in file
// order. A missing file is reported as an error wrapping fs.ErrNotExist.
func ReadDay(fsys fsutil.FileSystem, dir string, day time.Time) ([]telemetry.EnrichedReading, error) {
	path := filepath.Join(dir, FileName(day))
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}

	out := make([]telemetry.EnrichedReading, 0)
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var r telemetry.EnrichedReading
		if err := json.Unmarshal(line, &r); err != nil {
			return out, fmt.Errorf("%s:%d: %w", path, i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}
