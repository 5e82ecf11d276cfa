package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"speedlog/internal/probe"
	"speedlog/internal/results"
	logx "speedlog/pkg/logx"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvInterval       = "SPEEDLOG_INTERVAL"
	EnvCSVPath        = "SPEEDLOG_CSV_PATH"
	EnvCapacity       = "SPEEDLOG_CAPACITY"
	EnvHealthInterval = "SPEEDLOG_HEALTH_INTERVAL"
)

// ApplyEnv overlays the SPEEDLOG_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := lookup(EnvInterval); ok {
		cfg.Recorder.Interval = v
	}
	if v, ok := lookup(EnvCSVPath); ok {
		cfg.Storage.CSVPath = v
	}
	if v, ok := lookup(EnvHealthInterval); ok {
		cfg.Watchdog.Interval = v
	}
	if v, ok := lookup(EnvCapacity); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCapacity, err)
		}
		cfg.Recorder.Capacity = n
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Normalize fills blank fields that an explicit empty value in the file
// would otherwise leave unusable.
func Normalize(cfg *Config) {
	def := Default()
	if cfg.Recorder.Capacity <= 0 {
		cfg.Recorder.Capacity = results.DefaultCapacity
	}
	if strings.TrimSpace(cfg.Storage.CSVPath) == "" {
		cfg.Storage.CSVPath = def.Storage.CSVPath
	}
	if strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
		cfg.Storage.SQLite.Path = def.Storage.SQLite.Path
	}
	if strings.TrimSpace(cfg.Probe.Driver) == "" {
		cfg.Probe.Driver = def.Probe.Driver
	}
	cfg.Probe.Driver = strings.ToLower(strings.TrimSpace(cfg.Probe.Driver))
	if cfg.Probe.ServerCount <= 0 {
		cfg.Probe.ServerCount = def.Probe.ServerCount
	}
	if cfg.Probe.MaxConnections <= 0 {
		cfg.Probe.MaxConnections = def.Probe.MaxConnections
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = def.HTTP.Addr
	}
	if cfg.HTTP.RatePerSec <= 0 {
		cfg.HTTP.RatePerSec = def.HTTP.RatePerSec
	}
	if cfg.HTTP.Burst <= 0 {
		cfg.HTTP.Burst = max(def.HTTP.Burst, cfg.HTTP.RatePerSec)
	}
	if strings.TrimSpace(cfg.Logging.File.Path) == "" {
		cfg.Logging.File.Path = def.Logging.File.Path
	}
	if cfg.Logging.Telegram.RatePerSec <= 0 {
		cfg.Logging.Telegram.RatePerSec = def.Logging.Telegram.RatePerSec
	}
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("recorder.interval", cfg.Recorder.Interval)
	check("watchdog.interval", cfg.Watchdog.Interval)
	check("probe.timeout", cfg.Probe.Timeout)
	check("storage.sqlite.busy_timeout", cfg.Storage.SQLite.BusyTimeout)

	switch cfg.Probe.Driver {
	case probe.DriverSpeedtest, probe.DriverNDT7:
	default:
		errs = append(errs, fmt.Errorf("probe.driver: unknown driver %q", cfg.Probe.Driver))
	}
	if cfg.Recorder.Capacity <= 0 {
		errs = append(errs, errors.New("recorder.capacity: must be > 0"))
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}
	if cfg.Logging.Telegram.Enabled || cfg.Telegram.NotifyFailures {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required when telegram output is enabled"))
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id: required when telegram output is enabled"))
		}
	}
	return errors.Join(errs...)
}
