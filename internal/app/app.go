// Package app wires the recorder, its supervisor and the outer surfaces
// (HTTP API, Telegram, metrics, systemd) from one config file.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"speedlog/internal/config"
	"speedlog/internal/eventbus"
	"speedlog/internal/httpapi"
	"speedlog/internal/measure"
	"speedlog/internal/metrics"
	telegram "speedlog/internal/notify/telegram"
	"speedlog/internal/probe"
	"speedlog/internal/recorder"
	"speedlog/internal/results"
	"speedlog/internal/runtime/supervisor"
	"speedlog/internal/sink"
	"speedlog/internal/watchdog"
	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
	"speedlog/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	// cfg is the last applied config; only the config.reload goroutine
	// writes it once Start returns.
	cfg *config.Config
	// capacity is fixed at startup; a reloaded value needs a restart.
	capacity int

	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	metrics  *metrics.Collector
	interval *recorder.Interval
	sink     sink.Sink
	probe    probe.Probe
	wd       *watchdog.Watchdog
	api      *httpapi.API
	server   *httpapi.Server
	tg       *telegram.Notifier
	notify   watchdog.Notifier

	sup    *supervisor.Supervisor
	recSup *supervisor.Supervisor
}

type Option func(*options)

type options struct {
	probe  probe.Probe
	notify watchdog.Notifier
}

// WithProbe replaces the configured probe backend.
func WithProbe(p probe.Probe) Option { return func(o *options) { o.probe = p } }

// WithNotifier replaces the systemd notifier.
func WithNotifier(fn watchdog.Notifier) Option { return func(o *options) { o.notify = fn } }

// New loads the config at cfgPath (empty means defaults) and builds every
// component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.notify == nil {
		o.notify = systemd.Notify
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &App{cfgm: cfgm, cfg: cfg, capacity: cfg.Recorder.Capacity, notify: o.notify}

	var sender logx.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		}, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		sender = tg
	}

	a.logs, a.log = logx.New(cfg.Logging.LogConfig(), sender)
	a.log = a.log.With(logx.String("comp", "app"))
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()
	a.metrics = metrics.New()
	a.interval = recorder.NewInterval(cfg.Recorder.IntervalDuration())

	a.sink, err = openSinks(cfg, a.log)
	if err != nil {
		return nil, err
	}

	a.probe = o.probe
	if a.probe == nil {
		a.probe, err = probe.New(probe.Config{
			Driver:         cfg.Probe.Driver,
			Timeout:        cfg.Probe.TimeoutDuration(),
			ServerCount:    cfg.Probe.ServerCount,
			MaxConnections: cfg.Probe.MaxConnections,
			SavingMode:     cfg.Probe.SavingMode,
			NDT7Server:     cfg.Probe.NDT7Server,
		}, probe.WithLogger(a.log), probe.WithSpawner(speedtest.SpawnerFunc(a.spawn)))
		if err != nil {
			_ = a.sink.Close()
			return nil, err
		}
	}

	a.wd, err = watchdog.New(watchdog.Config{
		Interval:  cfg.Watchdog.IntervalDuration(),
		Factory:   a.newRecorder,
		Bus:       a.bus,
		Notify:    a.notify,
		Log:       a.log,
		OnRestart: a.metrics.RecorderRestarted,
		LoopStats: a.loopStats,
	})
	if err != nil {
		_ = a.sink.Close()
		return nil, err
	}

	gin.SetMode(ginMode(cfg.Logging.Level))
	a.api = httpapi.New(httpapi.Config{
		RatePerSec: cfg.HTTP.RatePerSec,
		Burst:      cfg.HTTP.Burst,
		Pprof:      cfg.HTTP.Pprof,
		CSVPath:    cfg.Storage.CSVPath,
		Interval:   a.interval.Get,
	}, a.wd, a.bus, a.metrics.Handler(), a.log)
	if cfg.HTTP.Enabled {
		a.server = httpapi.NewServer(cfg.HTTP.Addr, a.api, a.log)
	}
	return a, nil
}

// ginMode keeps gin's route dump for debug logging only. GIN_MODE wins.
func ginMode(level string) string {
	if m := os.Getenv(gin.EnvGinMode); m != "" {
		return m
	}
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

func openSinks(cfg *config.Config, log logx.Logger) (sink.Sink, error) {
	sinks := sink.Multi{sink.NewCSV(cfg.Storage.CSVPath)}
	if cfg.Storage.SQLite.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := sink.OpenSQLite(ctx, sink.SQLiteConfig{
			Path:        cfg.Storage.SQLite.Path,
			BusyTimeout: cfg.Storage.SQLite.BusyTimeoutDuration(),
		}, log.With(logx.String("comp", "sqlite")))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sinks = append(sinks, db)
		log.Info("sqlite mirror enabled", logx.String("path", cfg.Storage.SQLite.Path))
	}
	return sinks, nil
}

// newRecorder is the watchdog factory. Every recorder gets a fresh store.
func (a *App) newRecorder() (*recorder.Recorder, error) {
	return recorder.New(recorder.Config{
		Probe:      a.probe,
		Store:      results.New(a.capacity),
		Sink:       a.sink,
		Interval:   a.interval,
		Supervisor: a.recSup,
		Bus:        a.bus,
		Observer:   a.metrics,
		Log:        a.log,
	})
}

// loopStats reads the recorder loop counters; empty before Start.
func (a *App) loopStats() (supervisor.GoroutineStats, bool) {
	return a.recSup.Stats(recorder.LoopName)
}

// spawn runs probe helper goroutines under the recorder supervisor once it
// exists.
func (a *App) spawn(name string, fn func()) {
	if sup := a.recSup; sup != nil {
		sup.Go0(name, func(context.Context) { fn() })
		return
	}
	go fn()
}

// Handler exposes the API router; mainly for tests.
func (a *App) Handler() *httpapi.API { return a.api }

// Watchdog exposes the recorder owner.
func (a *App) Watchdog() *watchdog.Watchdog { return a.wd }

// Interval returns the live recorder cadence.
func (a *App) Interval() time.Duration { return a.interval.Get() }

// Done is closed when the app supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// Recorder crashes are the watchdog's business, not a reason to exit.
	a.recSup = supervisor.New(a.sup.Context(),
		supervisor.WithLogger(a.log.With(logx.String("comp", "recorder.sup"))),
		supervisor.WithCancelOnError(false),
	)

	if ok, wd := systemd.CheckInterval(cfg.Watchdog.IntervalDuration()); !ok {
		a.log.Warn("watchdog.interval is too long for the unit's WatchdogSec",
			logx.Duration("interval", cfg.Watchdog.IntervalDuration()),
			logx.Duration("watchdog_sec", wd),
		)
	}
	if err := a.wd.Start(a.recSup.Context()); err != nil {
		return err
	}

	if a.server != nil {
		a.sup.GoRestart("http.serve", a.server.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	if a.tg != nil && cfg.Telegram.NotifyFailures {
		events, unsub := a.bus.Subscribe(64)
		al := &telegram.Alerter{Sender: a.tg, NotifyFailures: true, Log: a.log.With(logx.String("comp", "alerts"))}
		a.sup.Go("telegram.alerts", func(c context.Context) error {
			defer unsub()
			return al.Run(c, events)
		})
	}

	a.sup.Go0("metrics.state", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			a.metrics.SetRecorderState(a.wd.IsRunning(), a.wd.Results().Len())
			select {
			case <-c.Done():
				return
			case <-t.C:
			}
		}
	})

	a.sup.Go0("eventbus.log", a.logEvents(a.bus))

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notify(daemon.SdNotifyReady)
	a.log.Info("speedlog started",
		logx.String("driver", cfg.Probe.Driver),
		logx.Duration("interval", a.interval.Get()),
		logx.String("csv", cfg.Storage.CSVPath),
		logx.Bool("http", a.server != nil),
	)
	return nil
}

func (a *App) logEvents(bus eventbus.Bus) func(context.Context) {
	events, unsub := bus.Subscribe(64)
	return func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

// applyConfig applies the live parts of a reloaded config. Everything else
// needs a restart.
func (a *App) applyConfig(newCfg *config.Config) {
	ch, attrs := config.SummarizeConfigChange(a.cfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	a.logs.Apply(newCfg.Logging.LogConfig())
	a.interval.Set(newCfg.Recorder.IntervalDuration())
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	a.cfg = newCfg
}

// Stop shuts everything down within ctx. The recorder finishes or abandons
// its current probe first so the last accepted record reaches the sinks.
func (a *App) Stop(ctx context.Context) error {
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping")

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("watchdog", 5*time.Second, a.wd.Stop)
	if a.recSup != nil {
		step("recorder.supervisor", 5*time.Second, a.recSup.Stop)
	}
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 3*time.Second, a.sup.Wait)
	}
	step("sinks", time.Second, func(context.Context) error { return a.sink.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// RunOnce performs a single probe and writes the header and row as CSV to w.
func (a *App) RunOnce(ctx context.Context, w io.Writer) error {
	defer a.logs.Close()
	defer a.sink.Close()

	rec, err := a.probe.Measure(ctx)
	if err != nil {
		return err
	}
	return sink.EncodeCSV(w, []measure.Record{rec})
}
