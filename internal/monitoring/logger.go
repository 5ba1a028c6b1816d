package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Redirect installs f as the package logger and returns a function that
// restores the logger that was active before.
func Redirect(f func(format string, v ...interface{})) (restore func()) {
	prev := Logf
	SetLogger(f)
	return func() { Logf = prev }
}

// Recorder keeps the most recent formatted log lines in memory and passes
// every line on to an optional next logger. It backs the /debug/logs page
// and the log assertions in tests.
type Recorder struct {
	mu    sync.Mutex
	limit int
	lines []string
	next  func(format string, v ...interface{})
}

// NewRecorder keeps up to limit lines; limit <= 0 keeps everything.
func NewRecorder(limit int, next func(format string, v ...interface{})) *Recorder {
	return &Recorder{limit: limit, next: next}
}

// Logf records the line and forwards it.
func (r *Recorder) Logf(format string, v ...interface{}) {
	line := fmt.Sprintf(format, v...)
	r.mu.Lock()
	r.lines = append(r.lines, line)
	if r.limit > 0 && len(r.lines) > r.limit {
		r.lines = append(r.lines[:0], r.lines[len(r.lines)-r.limit:]...)
	}
	r.mu.Unlock()
	if r.next != nil {
		r.next("%s", line)
	}
}

// Lines returns a copy of the recorded lines, oldest first.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Contains reports whether any recorded line contains substr.
func (r *Recorder) Contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
