package config

import (
	"sort"
	"strings"

	logx "speedlog/pkg/logx"
)

// Change lists the sections that differ between two configs.
type Change struct {
	Sections []string
	// Live holds the sections applied without a restart.
	Live []string
	// RestartRequired holds sections that only take effect on restart.
	RestartRequired []string
}

// SummarizeConfigChange compares two configs. The returned fields are safe
// to log: the bot token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) (Change, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	attrs := make([]logx.Field, 0, 12)
	mark := func(section string, live bool) {
		ch.Sections = append(ch.Sections, section)
		if live {
			ch.Live = append(ch.Live, section)
		} else {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	// The interval is read at the start of every sleep, so it applies live.
	if strings.TrimSpace(oldCfg.Recorder.Interval) != strings.TrimSpace(newCfg.Recorder.Interval) {
		mark("recorder.interval", true)
		attrs = append(attrs, logx.String("recorder.interval", newCfg.Recorder.Interval))
	}
	if oldCfg.Recorder.Capacity != newCfg.Recorder.Capacity {
		mark("recorder.capacity", false)
		attrs = append(attrs, logx.Int("recorder.capacity", newCfg.Recorder.Capacity))
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", true)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", false)
		attrs = append(attrs,
			logx.String("storage.csv_path", newCfg.Storage.CSVPath),
			logx.Bool("storage.sqlite_enabled", newCfg.Storage.SQLite.Enabled),
		)
	}
	if oldCfg.Watchdog != newCfg.Watchdog {
		mark("watchdog", false)
		attrs = append(attrs, logx.String("watchdog.interval", newCfg.Watchdog.Interval))
	}
	if oldCfg.Probe != newCfg.Probe {
		mark("probe", false)
		attrs = append(attrs, logx.String("probe.driver", newCfg.Probe.Driver))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", false)
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram", false)
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
			logx.Bool("telegram.notify_failures", newCfg.Telegram.NotifyFailures),
		)
	}

	sort.Strings(ch.Sections)
	return ch, attrs
}

// LogConfig converts the logging section to the logx service config.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}
