// Command pcap-replay feeds a packet capture of device traffic through the
// same ingestion path as the live server. Readings keep their original
// capture times, so the daily log and database it produces match what the
// server would have written.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/vitals.report/internal/config"
	"github.com/banshee-data/vitals.report/internal/datalog"
	"github.com/banshee-data/vitals.report/internal/db"
	"github.com/banshee-data/vitals.report/internal/fsutil"
	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/replay"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/timeutil"
)

type options struct {
	capture  string
	port     int
	logDir   string
	dbPath   string
	realtime bool
	speed    float64
	asJSON   bool
	verbose  bool
}

// summary is printed when the replay finishes.
type summary struct {
	Capture   string                           `json:"capture"`
	Packets   int                              `json:"packets"`
	Replayed  int                              `json:"replayed"`
	Outcomes  map[string]int                   `json:"outcomes"`
	Devices   map[string]registry.DeviceStatus `json:"devices"`
	Stats     ingest.StatsSnapshot             `json:"stats"`
	ElapsedMs int64                            `json:"elapsedMs"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("pcap-replay: %v", err)
	}
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("pcap-replay", pflag.ContinueOnError)
	fs.IntVar(&o.port, "port", defaultPort(), "UDP destination port to replay (0 replays every UDP packet)")
	fs.StringVar(&o.logDir, "log-dir", "", "write daily JSON-lines logs here (disabled when empty)")
	fs.StringVar(&o.dbPath, "db-path", "", "mirror readings into this SQLite file (disabled when empty)")
	fs.BoolVar(&o.realtime, "realtime", false, "reproduce the capture's pacing")
	fs.Float64Var(&o.speed, "speed", 1, "playback speed multiplier with --realtime")
	fs.BoolVar(&o.asJSON, "json", false, "print the summary as JSON")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log every packet")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pcap-replay [flags] <capture.pcap|capture.pcapng>\n\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, errors.New("exactly one capture file is required")
	}
	o.capture = fs.Arg(0)
	if o.speed <= 0 {
		return nil, fmt.Errorf("--speed must be positive, got %v", o.speed)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	// Capture times drive the server timestamps and the day buckets.
	clock := timeutil.NewMockClock(time.Unix(0, 0).UTC())
	reg := registry.New()
	store := retention.NewStore(retention.Config{})
	stats := ingest.NewPacketStats()

	var sinks []ingest.Sink
	if o.logDir != "" {
		// Synchronous writes keep every line; there is no live traffic to protect.
		sinks = append(sinks, datalog.NewWriter(datalog.WriterConfig{
			Dir: o.logDir,
			FS:  fsutil.OSFileSystem{},
		}))
	}
	var database *db.DB
	if o.dbPath != "" {
		if database, err = db.NewDB(o.dbPath); err != nil {
			return fmt.Errorf("open database %s: %w", o.dbPath, err)
		}
		defer database.Close()
		sinks = append(sinks, database)
	}

	handler := ingest.NewHandler(ingest.HandlerConfig{
		Registry:   reg,
		Store:      store,
		Sinks:      sinks,
		Stats:      stats,
		Clock:      clock,
		LogPackets: o.verbose,
	})

	res, err := replay.ReadFile(ctx, o.capture, replay.Options{
		Port:     o.port,
		Clock:    clock,
		Realtime: o.realtime,
		Speed:    o.speed,
	}, handler)
	if err != nil {
		return err
	}

	if database != nil {
		if err := database.SaveDeviceStatus(ctx, reg.Snapshot()); err != nil {
			monitoring.Logf("[db] failed to save device status: %v", err)
		}
	}

	s := summary{
		Capture:   o.capture,
		Packets:   res.Packets,
		Replayed:  res.Replayed,
		Outcomes:  make(map[string]int, len(res.Outcomes)),
		Devices:   reg.Snapshot(),
		Stats:     stats.Snapshot(),
		ElapsedMs: res.Duration.Milliseconds(),
	}
	for outcome, n := range res.Outcomes {
		s.Outcomes[outcome.String()] = n
	}
	return printSummary(stdout, s, o.asJSON)
}

func printSummary(w io.Writer, s summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "%s: %d packets read, %d replayed in %dms\n", s.Capture, s.Packets, s.Replayed, s.ElapsedMs)
	names := make([]string, 0, len(s.Outcomes))
	for name := range s.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %d\n", name, s.Outcomes[name])
	}
	ids := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := s.Devices[id]
		fmt.Fprintf(w, "  device %s: last packet %d from %s:%d at %s\n",
			id, d.PacketNumber, d.RemoteAddress, d.RemotePort, d.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// defaultPort is the port of the server's default UDP listen address.
func defaultPort() int {
	_, port, err := net.SplitHostPort(config.DefaultUDPListen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
