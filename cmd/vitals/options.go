package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/banshee-data/vitals.report/internal/config"
)

// options holds the parsed command line. Settings given on the command
// line override the config file.
type options struct {
	configPath  string
	showVersion bool
	help        bool

	flags *pflag.FlagSet

	udpListen    string
	httpListen   string
	logDir       string
	dbPath       string
	serialPort   string
	healthListen string
	logPackets   bool
	localDays    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("vitals", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&o.configPath, "config", "c", "", "path to a .json, .yaml or .yml config file")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	fs.BoolVarP(&o.help, "help", "h", false, "show help")

	fs.StringVar(&o.udpListen, "udp-listen", config.DefaultUDPListen, "UDP address to receive device datagrams on")
	fs.StringVar(&o.httpListen, "http-listen", config.DefaultHTTPListen, "HTTP address for the API and dashboard")
	fs.StringVar(&o.logDir, "log-dir", config.DefaultLogDir, "directory for daily JSON-lines logs")
	fs.StringVar(&o.dbPath, "db-path", "", "SQLite file to mirror readings into (disabled when empty)")
	fs.StringVar(&o.serialPort, "serial-port", "", "USB serial console to ingest from as well (disabled when empty)")
	fs.StringVar(&o.healthListen, "health-listen", "", "TCP address for the gRPC health service (disabled when empty)")
	fs.BoolVar(&o.logPackets, "log-packets", false, "log every accepted packet")
	fs.BoolVar(&o.localDays, "log-local-time", false, "bucket daily logs by local time instead of UTC")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	o.flags = fs
	return o, nil
}

// loadConfig reads the config file, if any, and applies explicit flags on
// top of it.
func (o *options) loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	o.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *options) applyOverrides(cfg *config.Config) {
	changed := func(name string) bool {
		return o.flags != nil && o.flags.Changed(name)
	}
	if changed("udp-listen") {
		cfg.UDPListen = &o.udpListen
	}
	if changed("http-listen") {
		cfg.HTTPListen = &o.httpListen
	}
	if changed("log-dir") {
		cfg.LogDir = &o.logDir
	}
	if changed("db-path") {
		cfg.DBPath = &o.dbPath
	}
	if changed("serial-port") {
		cfg.SerialPort = &o.serialPort
	}
	if changed("health-listen") {
		cfg.HealthListen = &o.healthListen
	}
	if changed("log-packets") {
		cfg.LogPackets = &o.logPackets
	}
	if changed("log-local-time") {
		cfg.LogUseLocalTime = &o.localDays
	}
}

func printHelp(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `vitals receives telemetry datagrams from wearable devices, keeps a short
in-memory history, appends every full reading to a daily log file and
serves the data over HTTP.

Usage:
  vitals [flags]

Flags:
%s`, fs.FlagUsages())
}
