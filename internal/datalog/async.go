package datalog

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/telemetry"
)

// DefaultQueueSize is the AsyncWriter queue length used when none is given.
const DefaultQueueSize = 1024

var (
	// ErrQueueFull is returned by AsyncWriter.Append when the reading was
	// dropped because the writer fell behind.
	ErrQueueFull = errors.New("datalog: queue full")
	// ErrClosed is returned by AsyncWriter.Append after Close.
	ErrClosed = errors.New("datalog: writer closed")
)

// Appender is implemented by Writer.
type Appender interface {
	Append(r telemetry.EnrichedReading) error
}

// AsyncWriter moves file appends off the ingestion path. Append never
// blocks: readings are queued for a single background goroutine and dropped
// when the queue is full.
type AsyncWriter struct {
	next    Appender
	queue   chan telemetry.EnrichedReading
	onError func(error)
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	written atomic.Int64
}

// NewAsyncWriter starts a background writer draining into next. onError, if
// non-nil, is called from the writer goroutine for every failed append.
func NewAsyncWriter(next Appender, size int, onError func(error)) *AsyncWriter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &AsyncWriter{
		next:    next,
		queue:   make(chan telemetry.EnrichedReading, size),
		onError: onError,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncWriter) run() {
	defer close(a.done)
	for r := range a.queue {
		if err := a.next.Append(r); err != nil {
			monitoring.Logf("[datalog] append failed: %v", err)
			if a.onError != nil {
				a.onError(err)
			}
			continue
		}
		a.written.Add(1)
	}
}

// Append queues r for writing.
func (a *AsyncWriter) Append(r telemetry.EnrichedReading) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- r:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many readings were discarded because the queue was full.
func (a *AsyncWriter) Dropped() int64 { return a.dropped.Load() }

// Written reports how many readings were appended successfully.
func (a *AsyncWriter) Written() int64 { return a.written.Load() }

// Close stops accepting readings and waits until everything already queued
// has been written.
func (a *AsyncWriter) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
