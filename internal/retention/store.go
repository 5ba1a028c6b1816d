// Package retention holds the in-memory view of recent telemetry: the latest
// full reading, a bounded history of full readings and a bounded window of
// high-frequency ECG samples.
package retention

import (
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/vitals.report/internal/telemetry"
)

const (
	// DefaultHistoryCapacity bounds the full-reading history.
	DefaultHistoryCapacity = 1000
	// DefaultHighFrequencyCapacity bounds the ECG window: about ten seconds
	// at the device's nominal 20 Hz.
	DefaultHighFrequencyCapacity = 200
	// DefaultHistoryLimit is used when a history query gives no usable limit.
	DefaultHistoryLimit = 50
)

// Config sizes a Store. Zero values select the defaults.
type Config struct {
	HistoryCapacity       int
	HighFrequencyCapacity int
	DefaultHistoryLimit   int
}

// Store owns the retained readings. Every mutation and read holds the lock
// for its whole duration, so readers never see a ring mid-update, and all
// accessors return copies.
type Store struct {
	mu           sync.RWMutex
	latest       *telemetry.EnrichedReading
	history      *Ring[telemetry.EnrichedReading]
	samples      *Ring[telemetry.SampleProjection]
	defaultLimit int
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	if cfg.HighFrequencyCapacity <= 0 {
		cfg.HighFrequencyCapacity = DefaultHighFrequencyCapacity
	}
	if cfg.DefaultHistoryLimit <= 0 {
		cfg.DefaultHistoryLimit = DefaultHistoryLimit
	}
	return &Store{
		history:      NewRing[telemetry.EnrichedReading](cfg.HistoryCapacity),
		samples:      NewRing[telemetry.SampleProjection](cfg.HighFrequencyCapacity),
		defaultLimit: cfg.DefaultHistoryLimit,
	}
}

// RecordFullReading makes r the latest reading and appends it to history,
// dropping the oldest entry when history is full.
func (s *Store) RecordFullReading(r telemetry.EnrichedReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := r
	s.latest = &latest
	s.history.Push(r)
}

// RecordHighFrequencySample appends p to the ECG window, dropping the oldest
// sample when the window is full.
func (s *Store) RecordHighFrequencySample(p telemetry.SampleProjection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples.Push(p)
}

// Latest returns the most recent full reading. ok is false until the first
// full reading arrives.
func (s *Store) Latest() (r telemetry.EnrichedReading, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return telemetry.EnrichedReading{}, false
	}
	return *s.latest, true
}

// History returns up to limit of the most recent readings in arrival order,
// oldest first. A non-positive limit selects the default.
func (s *Store) History(limit int) []telemetry.EnrichedReading {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Last(limit)
}

// HighFrequencySamples returns the whole ECG window, oldest first.
func (s *Store) HighFrequencySamples() []telemetry.SampleProjection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples.All()
}

// DefaultLimit returns the history limit used for missing or invalid input.
func (s *Store) DefaultLimit() int { return s.defaultLimit }

// Counts reports how many readings and samples are held.
func (s *Store) Counts() (history, samples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Len(), s.samples.Len()
}

// ParseLimit interprets an untrusted limit parameter. Anything that is not
// a positive integer yields def.
func ParseLimit(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
