// Command vitals-status prints a one-screen summary of a running vitals
// server: build, ingest counters and the devices it has heard from.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/vitals.report/internal/httputil"
	"github.com/banshee-data/vitals.report/internal/ingest"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/version"
)

type options struct {
	url     string
	timeout time.Duration
	stale   time.Duration
	asJSON  bool
}

// serverStats mirrors the /api/stats response.
type serverStats struct {
	Ingest          ingest.StatsSnapshot `json:"ingest"`
	HistoryLength   int                  `json:"historyLength"`
	ECGWindowLength int                  `json:"ecgWindowLength"`
	Devices         int                  `json:"devices"`
	LogQueue        *struct {
		Written int64 `json:"written"`
		Dropped int64 `json:"dropped"`
	} `json:"logQueue,omitempty"`
}

type report struct {
	Server  string                           `json:"server"`
	Version version.Info                     `json:"version"`
	Stats   serverStats                      `json:"stats"`
	Devices map[string]registry.DeviceStatus `json:"devices"`
	Stale   []string                         `json:"stale"`
}

func main() {
	client := httputil.NewStandardClient(&http.Client{})
	if err := run(context.Background(), os.Args[1:], client, time.Now, os.Stdout); err != nil {
		log.Fatalf("vitals-status: %v", err)
	}
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("vitals-status", pflag.ContinueOnError)
	fs.StringVar(&o.url, "url", "http://localhost:3000", "base URL of the vitals server")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Second, "overall request timeout")
	fs.DurationVar(&o.stale, "stale", time.Minute, "flag devices not heard from for this long")
	fs.BoolVar(&o.asJSON, "json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if o.timeout <= 0 {
		return nil, errors.New("--timeout must be positive")
	}
	o.url = strings.TrimRight(o.url, "/")
	return o, nil
}

func run(ctx context.Context, args []string, client httputil.HTTPClient, now func() time.Time, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	rep := report{Server: o.url}
	if err := httputil.GetJSON(ctx, client, o.url+"/api/version", &rep.Version); err != nil {
		return err
	}
	if err := httputil.GetJSON(ctx, client, o.url+"/api/stats", &rep.Stats); err != nil {
		return err
	}
	if err := httputil.GetJSON(ctx, client, o.url+"/api/device-status", &rep.Devices); err != nil {
		return err
	}

	rep.Stale = []string{}
	for id, d := range rep.Devices {
		if now().Sub(d.LastSeen) > o.stale {
			rep.Stale = append(rep.Stale, id)
		}
	}
	sort.Strings(rep.Stale)

	if o.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(stdout, rep, now())
	return nil
}

func printReport(w io.Writer, rep report, now time.Time) {
	s := rep.Stats
	fmt.Fprintf(w, "%s at %s\n", rep.Version, rep.Server)
	fmt.Fprintf(w, "received %d packets (%d bytes) in %.0fs: %d data, %d ecg, %d heartbeat, %d rejected, %d unrecognized\n",
		s.Ingest.Received, s.Ingest.Bytes, s.Ingest.UptimeSeconds,
		s.Ingest.FullReadings, s.Ingest.Samples, s.Ingest.Heartbeats, s.Ingest.DecodeErrors, s.Ingest.Unrecognized)
	fmt.Fprintf(w, "history %d, ecg window %d\n", s.HistoryLength, s.ECGWindowLength)
	if s.LogQueue != nil {
		fmt.Fprintf(w, "log queue: %d written, %d dropped\n", s.LogQueue.Written, s.LogQueue.Dropped)
	}

	ids := make([]string, 0, len(rep.Devices))
	for id := range rep.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	stale := make(map[string]bool, len(rep.Stale))
	for _, id := range rep.Stale {
		stale[id] = true
	}
	for _, id := range ids {
		d := rep.Devices[id]
		mark := ""
		if stale[id] {
			mark = "  STALE"
		}
		fmt.Fprintf(w, "  %-16s #%-8d %s:%d  %s ago%s\n",
			id, d.PacketNumber, d.RemoteAddress, d.RemotePort, now.Sub(d.LastSeen).Round(time.Second), mark)
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "  no devices seen")
	}
}
