// Package probe runs one bandwidth measurement and returns a flat record.
//
// The measurement protocol is delegated to a backend (speedtest.net via
// speedtest-go, or M-Lab ndt7). Any failure is a *Error naming the stage;
// no partial record is ever returned.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"speedlog/internal/measure"
	"speedlog/pkg/speedtest"
	logx "speedlog/pkg/logx"
)

// Stage is the phase of a measurement.
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageSelection Stage = "selection"
	StageDownload  Stage = "download"
	StageUpload    Stage = "upload"
	StageShare     Stage = "share"
)

// Error is a failed measurement.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("probe %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err as a *Error for stage. A nil err stays nil.
func Fail(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Stage: stage, Err: err}
}

// StageOf reports the stage of a probe error, or "" for other errors.
func StageOf(err error) Stage {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}

// Probe performs one measurement.
type Probe interface {
	Measure(ctx context.Context) (measure.Record, error)
}

// Func adapts a plain function to Probe.
type Func func(ctx context.Context) (measure.Record, error)

func (f Func) Measure(ctx context.Context) (measure.Record, error) { return f(ctx) }

// Drivers.
const (
	DriverSpeedtest = "speedtest"
	DriverNDT7      = "ndt7"
)

// Config selects and tunes a backend.
type Config struct {
	Driver         string
	Timeout        time.Duration
	ServerCount    int
	MaxConnections int
	SavingMode     bool
	NDT7Server     string
}

// Option customizes New.
type Option func(*options)

type options struct {
	log     logx.Logger
	spawner speedtest.Spawner
	now     func() time.Time
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithSpawner hands the speedtest ping fan-out to a goroutine owner.
func WithSpawner(s speedtest.Spawner) Option { return func(o *options) { o.spawner = s } }

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds the configured backend, bounded by cfg.Timeout.
func New(cfg Config, opts ...Option) (Probe, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	log := o.log.With(logx.String("comp", "probe"))

	var p Probe
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSpeedtest:
		var ropts []speedtest.Option
		if o.spawner != nil {
			ropts = append(ropts, speedtest.WithSpawner(o.spawner))
		}
		runner := speedtest.NewRunner(speedtest.RunConfig{
			ServerCount:      cfg.ServerCount,
			SavingMode:       cfg.SavingMode,
			MaxConnections:   cfg.MaxConnections,
			OperationTimeout: cfg.Timeout,
		}, ropts...)
		p = &speedtestProbe{runner: runner, now: o.now, log: log}
	case DriverNDT7:
		p = &ndt7Probe{server: strings.TrimSpace(cfg.NDT7Server), now: o.now, log: log}
	default:
		return nil, fmt.Errorf("unknown probe driver %q", cfg.Driver)
	}
	return WithTimeout(p, cfg.Timeout), nil
}

// WithTimeout bounds every Measure call on p by d. d <= 0 returns p as is.
func WithTimeout(p Probe, d time.Duration) Probe {
	if d <= 0 {
		return p
	}
	return Func(func(ctx context.Context) (measure.Record, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Measure(ctx)
	})
}
