package db

import (
	"context"
	"time"

	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
)

// StatusSource is implemented by *registry.Registry.
type StatusSource interface {
	Snapshot() map[string]registry.DeviceStatus
}

// StatusStore is implemented by *DB.
type StatusStore interface {
	SaveDeviceStatus(ctx context.Context, statuses map[string]registry.DeviceStatus) error
}

// StatusFlusher periodically copies the in-memory device registry into the
// database so the last known status of each device survives a restart.
type StatusFlusher struct {
	source   StatusSource
	store    StatusStore
	interval time.Duration
}

// NewStatusFlusher creates a flusher. A non-positive interval defaults to
// 30 seconds.
func NewStatusFlusher(source StatusSource, store StatusStore, interval time.Duration) *StatusFlusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusFlusher{source: source, store: store, interval: interval}
}

// Run flushes on every tick until ctx is cancelled, then flushes once more.
func (f *StatusFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	monitoring.Logf("[db] status flusher started: interval=%v", f.interval)
	for {
		select {
		case <-ctx.Done():
			// The parent context is gone; give the final write its own deadline.
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := f.Flush(finalCtx)
			cancel()
			return err
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				monitoring.Logf("[db] status flush failed: %v", err)
			}
		}
	}
}

// Flush writes the current snapshot.
func (f *StatusFlusher) Flush(ctx context.Context) error {
	return f.store.SaveDeviceStatus(ctx, f.source.Snapshot())
}
