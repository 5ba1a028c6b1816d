// Package db mirrors accepted full readings and device status into SQLite so
// they survive restarts and can be inspected with tailsql.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/security"
	"github.com/banshee-data/vitals.report/internal/telemetry"
)

// DefaultRecentLimit caps RecentReadings when the caller passes a
// non-positive limit.
const DefaultRecentLimit = 50

type DB struct {
	*sql.DB
}

// pragmas are applied by the driver to every new connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	v := url.Values{}
	for _, p := range pragmas {
		v.Add("_pragma", p)
	}
	return "file:" + path + "?" + v.Encode()
}

// NewDB opens (or creates) the database at path and migrates it to the
// latest schema.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// RecordReading stores one enriched reading. A reading without an ingest id
// is given a fresh one.
func (db *DB) RecordReading(ctx context.Context, r telemetry.EnrichedReading) error {
	if r.IngestID == "" {
		r.IngestID = uuid.NewString()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	full := r.Reading
	_, err = db.ExecContext(ctx,
		`INSERT INTO readings (
			ingest_id, device_id, packet_number, server_timestamp,
			remote_address, remote_port, t0, t1, t2,
			current_bpm, avg_bpm, ecg_value, ecg_contact, raw_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.IngestID, r.DeviceID, r.Sequence,
		r.ServerTimestamp.UTC().Format(telemetry.ServerTimestampLayout),
		r.Remote.Address, r.Remote.Port,
		nullable(full.Temperatures.T0), nullable(full.Temperatures.T1), nullable(full.Temperatures.T2),
		nullable(full.HeartRate.Current), nullable(full.HeartRate.Average),
		nullable(full.ECG.Value), nullable(full.ECG.Contact), string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// nullable maps an absent sensor value to SQL NULL.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

// Append lets the database sit behind a datalog.AsyncWriter.
func (db *DB) Append(r telemetry.EnrichedReading) error {
	return db.RecordReading(context.Background(), r)
}

// RecentReadings returns up to limit readings, oldest first. An empty
// deviceID matches every device.
func (db *DB) RecentReadings(ctx context.Context, deviceID string, limit int) ([]telemetry.EnrichedReading, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := db.QueryContext(ctx,
		`SELECT raw_json FROM (
			SELECT raw_json, server_timestamp, rowid AS seq FROM readings
			WHERE (? = '' OR device_id = ?)
			ORDER BY server_timestamp DESC, seq DESC
			LIMIT ?
		) ORDER BY server_timestamp ASC, seq ASC`,
		deviceID, deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := make([]telemetry.EnrichedReading, 0, limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r telemetry.EnrichedReading
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to decode stored reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// ReadingCount returns the number of stored readings.
func (db *DB) ReadingCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n)
	return n, err
}

// SaveDeviceStatus upserts every status in one transaction.
func (db *DB) SaveDeviceStatus(ctx context.Context, statuses map[string]registry.DeviceStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO device_status (device_id, last_seen, remote_address, remote_port, packet_number, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			remote_address = excluded.remote_address,
			remote_port = excluded.remote_port,
			packet_number = excluded.packet_number,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, s := range statuses {
		if _, err := stmt.ExecContext(ctx, id, s.LastSeen.UTC().Format(time.RFC3339Nano), s.RemoteAddress, s.RemotePort, s.PacketNumber); err != nil {
			return fmt.Errorf("failed to save status for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeviceStatuses returns every persisted device status.
func (db *DB) DeviceStatuses(ctx context.Context) (map[string]registry.DeviceStatus, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT device_id, last_seen, COALESCE(remote_address, ''), COALESCE(remote_port, 0), packet_number FROM device_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]registry.DeviceStatus)
	for rows.Next() {
		var (
			id       string
			lastSeen string
			s        registry.DeviceStatus
		)
		if err := rows.Scan(&id, &lastSeen, &s.RemoteAddress, &s.RemotePort, &s.PacketNumber); err != nil {
			return nil, err
		}
		if s.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
			return nil, fmt.Errorf("device %s: bad last_seen %q: %w", id, lastSeen, err)
		}
		out[id] = s
	}
	return out, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("[db] failed to create tailsql server: %v", err)
	} else {
		tsql.SetDB("sqlite://vitals.db", db.DB, &tailsql.DBOptions{
			Label: "Vitals DB",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	tmpDir, err := os.MkdirTemp("", "vitals-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			monitoring.Logf("[db] failed to remove backup dir: %v", err)
		}
	}()

	host, err := os.Hostname()
	if err != nil {
		host = "vitals"
	}
	name := fmt.Sprintf("backup-%s-%d.db", security.SanitizeFilename(host), time.Now().Unix())
	backupPath := filepath.Join(tmpDir, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".gz"))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	gz.Name = name
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("[db] backup stream failed: %v", err)
		return
	}
	if err := gz.Close(); err != nil {
		monitoring.Logf("[db] backup stream failed: %v", err)
	}
}
