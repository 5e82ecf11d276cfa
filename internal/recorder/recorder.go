// Package recorder runs the periodic measurement loop.
//
// A Recorder moves Stopped -> Running -> Stopping -> Stopped exactly once.
// Each cycle probes, appends the record to the result store, writes it to the
// sinks and sleeps for the configured interval. Probe and sink failures are
// logged and the loop keeps going; a panic ends the loop and is reported as a
// crash through Err.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	"speedlog/internal/probe"
	"speedlog/internal/results"
	"speedlog/internal/runtime/supervisor"
	"speedlog/internal/sink"
	logx "speedlog/pkg/logx"
)

var (
	// ErrAlreadyRunning is returned by Start when the recorder is not Stopped.
	ErrAlreadyRunning = errors.New("recorder: already running")
	// ErrFinished is returned by Start on a recorder whose loop has already run.
	ErrFinished = errors.New("recorder: finished; create a new recorder")
)

// State of the loop.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LoopName is the supervisor name every recorder loop runs under.
const LoopName = "recorder"

const (
	DefaultInterval    = 60 * time.Second
	defaultSinkTimeout = 30 * time.Second
)

// Observer receives per-cycle outcomes, typically for metrics.
type Observer interface {
	ProbeSucceeded(rec measure.Record, took time.Duration)
	ProbeFailed(stage probe.Stage, took time.Duration)
	SinkFailed(sink string)
}

type nopObserver struct{}

func (nopObserver) ProbeSucceeded(measure.Record, time.Duration) {}
func (nopObserver) ProbeFailed(probe.Stage, time.Duration)       {}
func (nopObserver) SinkFailed(string)                            {}

// Config wires a recorder. Probe and Store are required.
type Config struct {
	Probe    probe.Probe
	Store    *results.Store
	Sink     sink.Sink
	Interval *Interval

	Supervisor *supervisor.Supervisor
	Bus        eventbus.Bus
	Observer   Observer
	Log        logx.Logger

	// SinkTimeout bounds each sink write. Writes are not cancelled by
	// shutdown so an accepted record still reaches disk.
	SinkTimeout time.Duration
	Now         func() time.Time
}

// Recorder is one run of the measurement loop.
type Recorder struct {
	id  string
	cfg Config
	log logx.Logger

	state    atomic.Int32
	launched atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	crash    atomic.Value // error

	lastAt   time.Time // loop goroutine only
	cycles   atomic.Uint64
	failures atomic.Uint64
}

// New validates cfg and returns a Stopped recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Probe == nil {
		return nil, errors.New("recorder: probe is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("recorder: result store is required")
	}
	if cfg.Interval == nil {
		cfg.Interval = NewInterval(DefaultInterval)
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = supervisor.New(context.Background(), supervisor.WithLogger(cfg.Log))
	}

	id := uuid.NewString()
	return &Recorder{
		id:     id,
		cfg:    cfg,
		log:    cfg.Log.With(logx.String("comp", "recorder"), logx.String("recorder_id", id[:8])),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) State() State { return State(r.state.Load()) }

func (r *Recorder) IsRunning() bool { return r.State() == Running }

func (r *Recorder) Results() *results.Store { return r.cfg.Store }

// Done is closed when the loop has exited.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Err returns the crash that ended the loop, if any.
func (r *Recorder) Err() error {
	err, _ := r.crash.Load().(error)
	return err
}

// Cycles and Failures count completed probe attempts and failed ones.
func (r *Recorder) Cycles() uint64   { return r.cycles.Load() }
func (r *Recorder) Failures() uint64 { return r.failures.Load() }

// Start launches the loop under the supervisor. ctx cancellation (like the
// supervisor's own shutdown) ends the loop and aborts an in-flight probe.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.launched.CompareAndSwap(false, true) {
		select {
		case <-r.done:
			return ErrFinished
		default:
			return ErrAlreadyRunning
		}
	}
	r.state.Store(int32(Running))

	r.log.Info("recorder started", logx.Duration("interval", r.cfg.Interval.Get()))
	r.cfg.Bus.Publish(eventbus.Event{Type: eventbus.RecorderStarted, Data: r.id})

	r.cfg.Supervisor.Go(LoopName, func(supCtx context.Context) error {
		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(supCtx, cancel)()
		return r.loop(loopCtx)
	}, supervisor.OnExit(r.finish))
	return nil
}

// Stop asks the loop to exit. It does not wait; a probe in flight completes
// first and its record is kept.
func (r *Recorder) Stop() {
	if r.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		r.log.Info("recorder stop requested")
		r.stopOnce.Do(func() { close(r.stopCh) })
	}
}

// Wait blocks until the loop has exited or ctx ends. A never-started
// recorder returns immediately.
func (r *Recorder) Wait(ctx context.Context) error {
	if !r.launched.Load() {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) finish(err error) {
	if err != nil {
		r.crash.Store(err)
		r.log.Error("recorder loop crashed", logx.Err(err))
		r.cfg.Bus.Publish(eventbus.Event{Type: eventbus.RecorderCrashed, Data: err.Error()})
	} else {
		r.log.Info("recorder stopped", logx.Uint64("cycles", r.cycles.Load()))
		r.cfg.Bus.Publish(eventbus.Event{Type: eventbus.RecorderStopped, Data: r.id})
	}
	r.state.Store(int32(Stopped))
	close(r.done)
}

func (r *Recorder) loop(ctx context.Context) error {
	for {
		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		r.cycle(ctx)

		if !r.sleep(ctx) {
			return nil
		}
	}
}

// sleep waits one interval; false means stop or shutdown interrupted it.
func (r *Recorder) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.cfg.Interval.Get())
	defer t.Stop()
	select {
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
