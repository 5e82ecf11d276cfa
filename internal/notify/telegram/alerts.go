package telegram

import (
	"context"
	"fmt"
	"strings"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	"speedlog/internal/recorder"
	logx "speedlog/pkg/logx"
)

// Alerter turns recorder events into chat messages.
//
// Probe failures are reported once per outage: the first failure, then a
// recovery message with the number of failed attempts. Sink failures,
// crashes and restarts are always reported.
type Alerter struct {
	Sender         logx.Sender
	NotifyFailures bool
	Log            logx.Logger

	failing int
}

// Run consumes events until ctx ends or the channel closes. The caller owns
// the subscription.
func (a *Alerter) Run(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if msg := a.message(e); msg != "" {
				if err := a.Sender.SendText(ctx, msg); err != nil {
					a.Log.Debug("alert not delivered", logx.Err(err))
				}
			}
		}
	}
}

func (a *Alerter) message(e eventbus.Event) string {
	switch e.Type {
	case eventbus.ProbeFailed:
		a.failing++
		if !a.NotifyFailures || a.failing > 1 {
			return ""
		}
		f, _ := e.Data.(recorder.Failure)
		return fmt.Sprintf("⚠️ speed test failed at %s stage: %s", orUnknown(f.Stage), f.Error)
	case eventbus.MeasurementRecorded:
		n := a.failing
		a.failing = 0
		if !a.NotifyFailures || n == 0 {
			return ""
		}
		rec, _ := e.Data.(measure.Record)
		return fmt.Sprintf("✅ measurements recovered after %d failed attempt(s): %.2f down / %.2f up, %.1f ms",
			n, rec.DownloadMbps, rec.UploadMbps, rec.PingMs)
	case eventbus.SinkFailed:
		f, _ := e.Data.(recorder.Failure)
		return fmt.Sprintf("💾 %s write failed: %s", orUnknown(f.Sink), f.Error)
	case eventbus.RecorderCrashed:
		return fmt.Sprintf("💥 recorder crashed: %v", e.Data)
	case eventbus.RecorderRestarted:
		return fmt.Sprintf("🔁 recorder restarted (%v)", e.Data)
	default:
		return ""
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
