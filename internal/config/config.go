// Package config loads the optional server configuration file. Every field
// is a pointer so a partial file only overrides what it names; the Get*
// accessors return the built-in default for anything left unset.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vitals.report/internal/serialmux"
)

// Defaults for every setting.
const (
	DefaultUDPListen             = ":8888"
	DefaultHTTPListen            = ":3000"
	DefaultLogDir                = "logs"
	DefaultHistoryCapacity       = 1000
	DefaultHighFrequencyCapacity = 200
	DefaultHistoryLimit          = 50
	DefaultUDPRcvBuf             = 1 << 20
	DefaultLogQueueSize          = 1024
	DefaultStatsInterval         = time.Minute
	DefaultStatusFlushInterval   = 30 * time.Second
	DefaultDebugLogLines         = 500
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the configuration file.
type Config struct {
	UDPListen  *string `json:"udp_listen,omitempty" yaml:"udp_listen,omitempty"`
	HTTPListen *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`

	// Retention
	HistoryCapacity       *int `json:"history_capacity,omitempty" yaml:"history_capacity,omitempty"`
	HighFrequencyCapacity *int `json:"high_frequency_capacity,omitempty" yaml:"high_frequency_capacity,omitempty"`
	DefaultHistoryLimit   *int `json:"default_history_limit,omitempty" yaml:"default_history_limit,omitempty"`

	// Ingestion
	UDPRcvBuf     *int    `json:"udp_rcvbuf,omitempty" yaml:"udp_rcvbuf,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty" yaml:"stats_interval,omitempty"` // duration string like "1m"
	LogPackets    *bool   `json:"log_packets,omitempty" yaml:"log_packets,omitempty"`

	// Durable log
	LogDir          *string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	LogQueueSize    *int    `json:"log_queue_size,omitempty" yaml:"log_queue_size,omitempty"`
	LogUseLocalTime *bool   `json:"log_use_local_time,omitempty" yaml:"log_use_local_time,omitempty"`

	// SQLite mirror, disabled when empty
	DBPath              *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	StatusFlushInterval *string `json:"status_flush_interval,omitempty" yaml:"status_flush_interval,omitempty"`

	// Serial console transport, disabled when SerialPort is empty
	SerialPort    *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialOptions *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`

	// gRPC health service, disabled when empty
	HealthListen *string `json:"health_listen,omitempty" yaml:"health_listen,omitempty"`

	// Lines of server log kept for /debug/logs
	DebugLogLines *int `json:"debug_log_lines,omitempty" yaml:"debug_log_lines,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a .json (comments allowed), .yaml or .yml file. Fields the
// file omits keep their defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = parseJSON(data, cfg)
	} else {
		err = parseYAML(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

func parseYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves every field at its default.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    *int
	}{
		{"history_capacity", c.HistoryCapacity},
		{"high_frequency_capacity", c.HighFrequencyCapacity},
		{"default_history_limit", c.DefaultHistoryLimit},
		{"udp_rcvbuf", c.UDPRcvBuf},
		{"log_queue_size", c.LogQueueSize},
		{"debug_log_lines", c.DebugLogLines},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}

	if c.HistoryCapacity != nil && c.DefaultHistoryLimit != nil && *c.DefaultHistoryLimit > *c.HistoryCapacity {
		return fmt.Errorf("default_history_limit (%d) exceeds history_capacity (%d)", *c.DefaultHistoryLimit, *c.HistoryCapacity)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"stats_interval", c.StatsInterval},
		{"status_flush_interval", c.StatusFlushInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.LogDir != nil && strings.TrimSpace(*c.LogDir) == "" {
		return errors.New("log_dir must not be empty")
	}

	if c.SerialOptions != nil {
		if _, err := c.SerialOptions.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func getString(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) GetUDPListen() string  { return getString(c.UDPListen, DefaultUDPListen) }
func (c *Config) GetHTTPListen() string { return getString(c.HTTPListen, DefaultHTTPListen) }
func (c *Config) GetLogDir() string     { return getString(c.LogDir, DefaultLogDir) }
func (c *Config) GetDBPath() string     { return getString(c.DBPath, "") }
func (c *Config) GetSerialPort() string { return getString(c.SerialPort, "") }
func (c *Config) GetHealthListen() string {
	return getString(c.HealthListen, "")
}

func (c *Config) GetHistoryCapacity() int {
	return getInt(c.HistoryCapacity, DefaultHistoryCapacity)
}

func (c *Config) GetHighFrequencyCapacity() int {
	return getInt(c.HighFrequencyCapacity, DefaultHighFrequencyCapacity)
}

func (c *Config) GetDefaultHistoryLimit() int {
	return getInt(c.DefaultHistoryLimit, DefaultHistoryLimit)
}

func (c *Config) GetUDPRcvBuf() int     { return getInt(c.UDPRcvBuf, DefaultUDPRcvBuf) }
func (c *Config) GetLogQueueSize() int  { return getInt(c.LogQueueSize, DefaultLogQueueSize) }
func (c *Config) GetDebugLogLines() int { return getInt(c.DebugLogLines, DefaultDebugLogLines) }

func (c *Config) GetStatsInterval() time.Duration {
	return getDuration(c.StatsInterval, DefaultStatsInterval)
}

func (c *Config) GetStatusFlushInterval() time.Duration {
	return getDuration(c.StatusFlushInterval, DefaultStatusFlushInterval)
}

// GetLogUseLocalTime reports whether log files are bucketed by local day.
// UTC is the default.
func (c *Config) GetLogUseLocalTime() bool {
	return c.LogUseLocalTime != nil && *c.LogUseLocalTime
}

func (c *Config) GetLogPackets() bool {
	return c.LogPackets != nil && *c.LogPackets
}

// GetSerialOptions returns the normalised serial options.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.SerialOptions != nil {
		opts = *c.SerialOptions
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
}
