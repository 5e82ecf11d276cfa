package config

import (
	"time"

	"speedlog/internal/probe"
	"speedlog/internal/results"
	"speedlog/internal/sink"
)

// Default values. Durations are Go duration strings in the file.
const (
	DefaultInterval       = "60s"
	DefaultHealthInterval = "30s"
	DefaultProbeTimeout   = "90s"
	DefaultBusyTimeout    = "5s"
	DefaultSQLitePath     = "logs/connection_log.db"
	DefaultLogPath        = "logs/speedlog.log"
	DefaultHTTPAddr       = "127.0.0.1:8080"
)

type Config struct {
	Recorder RecorderConfig `json:"recorder"`
	Storage  StorageConfig  `json:"storage"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Probe    ProbeConfig    `json:"probe"`
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
}

type RecorderConfig struct {
	// Interval is the pause between the end of one probe and the start of
	// the next.
	Interval string `json:"interval"`
	Capacity int    `json:"capacity"`
}

type StorageConfig struct {
	CSVPath string       `json:"csv_path"`
	SQLite  SQLiteConfig `json:"sqlite"`
}

// SQLiteConfig controls the optional SQLite mirror of the CSV log.
type SQLiteConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type WatchdogConfig struct {
	Interval string `json:"interval"`
}

type ProbeConfig struct {
	Driver         string `json:"driver"`
	Timeout        string `json:"timeout"`
	ServerCount    int    `json:"server_count"`
	MaxConnections int    `json:"max_connections"`
	SavingMode     bool   `json:"saving_mode"`
	// NDT7Server pins an ndt7 host; empty uses the locate service.
	NDT7Server string `json:"ndt7_server"`
}

// HTTPConfig controls the read-only API. Rate limiting is per client IP.
type HTTPConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	RatePerSec int    `json:"rate_per_sec"`
	Burst      int    `json:"burst"`
	// Pprof mounts net/http/pprof under /debug/pprof/. Keep the API on
	// loopback when enabling it.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token          string `json:"token"`
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id"`
	NotifyFailures bool   `json:"notify_failures"`
}

// Default returns a fully populated config. Parse decodes on top of it, so
// omitted fields keep these values.
func Default() *Config {
	return &Config{
		Recorder: RecorderConfig{Interval: DefaultInterval, Capacity: results.DefaultCapacity},
		Storage: StorageConfig{
			CSVPath: sink.DefaultCSVPath,
			SQLite:  SQLiteConfig{Path: DefaultSQLitePath, BusyTimeout: DefaultBusyTimeout},
		},
		Watchdog: WatchdogConfig{Interval: DefaultHealthInterval},
		Probe: ProbeConfig{
			Driver:         probe.DriverSpeedtest,
			Timeout:        DefaultProbeTimeout,
			ServerCount:    5,
			MaxConnections: 4,
			SavingMode:     true,
		},
		HTTP: HTTPConfig{Enabled: true, Addr: DefaultHTTPAddr, RatePerSec: 5, Burst: 10},
		Logging: LoggingConfig{
			Level:    "info",
			Console:  true,
			File:     LoggingFile{Path: DefaultLogPath},
			Telegram: LoggingTelegram{MinLevel: "warn", RatePerSec: 1},
		},
	}
}

// IntervalDuration returns the recorder cadence. Call after Validate.
func (r RecorderConfig) IntervalDuration() time.Duration {
	return mustDuration(r.Interval, 60*time.Second)
}

func (w WatchdogConfig) IntervalDuration() time.Duration {
	return mustDuration(w.Interval, 30*time.Second)
}

func (p ProbeConfig) TimeoutDuration() time.Duration {
	return mustDuration(p.Timeout, 90*time.Second)
}

func (s SQLiteConfig) BusyTimeoutDuration() time.Duration {
	return mustDuration(s.BusyTimeout, 5*time.Second)
}

func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
