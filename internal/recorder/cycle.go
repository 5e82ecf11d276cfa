package recorder

import (
	"context"
	"time"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	"speedlog/internal/probe"
	"speedlog/internal/sink"
	logx "speedlog/pkg/logx"
)

// Failure is the payload of probe.failed and sink.failed events.
type Failure struct {
	Stage string    `json:"stage,omitempty"`
	Sink  string    `json:"sink,omitempty"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

func (r *Recorder) cycle(ctx context.Context) {
	at := r.captureTime()
	started := time.Now()
	rec, err := r.cfg.Probe.Measure(ctx)
	took := time.Since(started)
	r.cycles.Add(1)

	if err != nil {
		if ctx.Err() != nil {
			r.log.Debug("probe aborted by shutdown", logx.Err(err))
			return
		}
		r.failures.Add(1)
		stage := probe.StageOf(err)
		r.log.Warn("probe failed", logx.String("stage", string(stage)), logx.Duration("took", took), logx.Err(err))
		r.cfg.Observer.ProbeFailed(stage, took)
		r.cfg.Bus.Publish(eventbus.Event{Type: eventbus.ProbeFailed, Data: Failure{
			Stage: string(stage), Error: err.Error(), At: at,
		}})
		return
	}

	rec.CapturedAt = at
	r.cfg.Store.Append(rec)
	r.write(ctx, rec)

	r.cfg.Observer.ProbeSucceeded(rec, took)
	r.cfg.Bus.Publish(eventbus.Event{Type: eventbus.MeasurementRecorded, Data: rec})
	r.log.Info("measurement recorded",
		logx.Float64("download", rec.DownloadMbps),
		logx.Float64("upload", rec.UploadMbps),
		logx.Float64("ping", rec.PingMs),
		logx.String("server", rec.ServerName),
		logx.Duration("took", took))
}

func (r *Recorder) write(ctx context.Context, rec measure.Record) {
	if r.cfg.Sink == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SinkTimeout)
	defer cancel()

	for _, we := range sink.WriteErrors(r.cfg.Sink.Append(wctx, rec)) {
		r.log.Error("sink write failed", logx.String("sink", we.Sink), logx.Err(we.Err))
		r.cfg.Observer.SinkFailed(we.Sink)
		r.cfg.Bus.Publish(eventbus.Event{Type: eventbus.SinkFailed, Data: Failure{
			Sink: we.Sink, Error: we.Err.Error(), At: rec.CapturedAt,
		}})
	}
}

// captureTime is the probe start time in whole seconds, never earlier than
// the previous capture of this recorder.
func (r *Recorder) captureTime() time.Time {
	at := r.cfg.Now().Truncate(time.Second)
	if at.Before(r.lastAt) {
		at = r.lastAt
	}
	r.lastAt = at
	return at
}
