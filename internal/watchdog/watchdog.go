// Package watchdog keeps exactly one recorder alive.
//
// Every poll it checks the current recorder and, when it is no longer
// running, replaces it with a fresh one from the factory. A recorder stopped
// through StopRecorder stays stopped until StartRecorder is called.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"speedlog/internal/eventbus"
	"speedlog/internal/recorder"
	"speedlog/internal/results"
	"speedlog/internal/runtime/supervisor"
	logx "speedlog/pkg/logx"
)

const DefaultInterval = 30 * time.Second

// ErrStopping is returned by StartRecorder while the previous recorder is
// still finishing its probe. The start is remembered and the next check
// brings a new recorder up.
var ErrStopping = errors.New("watchdog: recorder is still stopping")

// Factory builds a new, Stopped recorder.
type Factory func() (*recorder.Recorder, error)

// Notifier receives sd_notify style state strings.
type Notifier func(state string)

// Config wires a Watchdog. Factory is required.
type Config struct {
	Interval time.Duration
	Factory  Factory
	Bus      eventbus.Bus
	Notify   Notifier
	Log      logx.Logger
	// OnRestart is called each time a dead recorder is replaced.
	OnRestart func()
	// LoopStats reports supervisor counters for the recorder loop.
	LoopStats func() (supervisor.GoroutineStats, bool)
}

// Status is a point-in-time view for the API.
type Status struct {
	RecorderID string    `json:"recorder_id,omitempty"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	Desired    string    `json:"desired"`
	Restarts   uint64    `json:"restarts"`
	LastCheck  time.Time `json:"last_check,omitempty"`
	LastCrash  string    `json:"last_crash,omitempty"`

	Loop *supervisor.GoroutineStats `json:"loop,omitempty"`
}

// Watchdog owns the recorder. All replacement happens under one mutex so two
// loops never run at once.
type Watchdog struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	cron    *cron.Cron
	cur     atomic.Pointer[recorder.Recorder]
	desired atomic.Bool
	// released is the last recorder stopped on request; replacing it is
	// not a restart.
	released *recorder.Recorder

	restarts  atomic.Uint64
	lastCheck atomic.Int64 // unix nano
	lastCrash atomic.Value // string
}

func New(cfg Config) (*Watchdog, error) {
	if cfg.Factory == nil {
		return nil, errors.New("watchdog: factory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	return &Watchdog{cfg: cfg, log: cfg.Log.With(logx.String("comp", "watchdog"))}, nil
}

// Start runs one check immediately and then one per interval. ctx is handed
// to every recorder the watchdog starts.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cron != nil {
		w.mu.Unlock()
		return errors.New("watchdog: already started")
	}
	w.ctx = ctx
	w.desired.Store(true)
	w.cron = cron.New(
		cron.WithLocation(time.Local),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	w.cron.Schedule(cron.Every(w.cfg.Interval), cron.FuncJob(w.Check))
	w.cron.Start()
	w.mu.Unlock()

	w.log.Info("watchdog started", logx.Duration("interval", w.cfg.Interval))
	w.Check()
	return nil
}

// Stop halts polling, stops the recorder and waits for it within ctx.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.desired.Store(false)
	w.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	rec := w.cur.Load()
	if rec == nil {
		return nil
	}
	rec.Stop()
	return rec.Wait(ctx)
}

// Check makes sure a recorder is running when one is wanted.
func (w *Watchdog) Check() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCheck.Store(time.Now().UnixNano())
	if w.ctx == nil || w.ctx.Err() != nil {
		return
	}
	w.ensureLocked(true)
}

// ensureLocked starts a recorder when needed. countRestart marks the
// replacement of a dead recorder as a restart.
func (w *Watchdog) ensureLocked(countRestart bool) {
	if !w.desired.Load() {
		return
	}

	cur := w.cur.Load()
	if cur != nil {
		switch cur.State() {
		case recorder.Running:
			w.cfg.Notify(daemon.SdNotifyWatchdog)
			return
		case recorder.Stopping:
			// Give it one poll to finish rather than run two loops.
			wctx, cancel := context.WithTimeout(w.ctx, w.cfg.Interval)
			err := cur.Wait(wctx)
			cancel()
			if err != nil {
				w.log.Warn("recorder still stopping; retrying next check", logx.String("recorder_id", cur.ID()))
				return
			}
		}
		if err := cur.Err(); err != nil {
			w.lastCrash.Store(err.Error())
		}
	}

	rec, err := w.cfg.Factory()
	if err != nil {
		w.log.Error("build recorder failed", logx.Err(err))
		return
	}
	if err := rec.Start(w.ctx); err != nil {
		w.log.Error("start recorder failed", logx.Err(err))
		return
	}
	w.cur.Store(rec)
	restarted := cur != nil && countRestart && cur != w.released
	w.released = nil

	if restarted {
		n := w.restarts.Add(1)
		w.log.Warn("recorder restarted", logx.String("previous", cur.ID()), logx.String("recorder_id", rec.ID()), logx.Uint64("restarts", n))
		w.cfg.Bus.Publish(eventbus.Event{Type: eventbus.RecorderRestarted, Data: rec.ID()})
		if w.cfg.OnRestart != nil {
			w.cfg.OnRestart()
		}
	}
	w.cfg.Notify(daemon.SdNotifyWatchdog)
}

// StartRecorder marks the recorder as wanted and starts one if needed. It
// never waits for a stopping recorder; that case returns ErrStopping.
func (w *Watchdog) StartRecorder() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil {
		return errors.New("watchdog: not started")
	}
	w.desired.Store(true)
	if cur := w.cur.Load(); cur != nil && cur.State() == recorder.Stopping {
		return ErrStopping
	}
	w.ensureLocked(false)
	if rec := w.cur.Load(); rec == nil || !rec.IsRunning() {
		return errors.New("watchdog: recorder did not start")
	}
	return nil
}

// StopRecorder marks the recorder as unwanted and signals it to stop. It does
// not wait.
func (w *Watchdog) StopRecorder() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.desired.Store(false)
	if rec := w.cur.Load(); rec != nil {
		w.released = rec
		rec.Stop()
	}
}

// Current returns the recorder, or nil before the first check.
func (w *Watchdog) Current() *recorder.Recorder { return w.cur.Load() }

// IsRunning reports whether the current recorder is running.
func (w *Watchdog) IsRunning() bool {
	rec := w.cur.Load()
	return rec != nil && rec.IsRunning()
}

// Results returns the current recorder's store; nil reads as empty.
func (w *Watchdog) Results() *results.Store {
	if rec := w.cur.Load(); rec != nil {
		return rec.Results()
	}
	return nil
}

func (w *Watchdog) Restarts() uint64 { return w.restarts.Load() }

func (w *Watchdog) Status() Status {
	st := Status{State: recorder.Stopped.String(), Desired: "stopped", Restarts: w.restarts.Load()}
	if w.desired.Load() {
		st.Desired = "running"
	}
	if rec := w.cur.Load(); rec != nil {
		st.RecorderID = rec.ID()
		st.State = rec.State().String()
		st.Running = rec.IsRunning()
	}
	if ns := w.lastCheck.Load(); ns > 0 {
		st.LastCheck = time.Unix(0, ns)
	}
	st.LastCrash, _ = w.lastCrash.Load().(string)
	if w.cfg.LoopStats != nil {
		if ls, ok := w.cfg.LoopStats(); ok {
			st.Loop = &ls
		}
	}
	return st
}
