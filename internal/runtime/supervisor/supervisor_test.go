package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecoversPanicAndReportsExit(t *testing.T) {
	s := New(context.Background())
	exited := make(chan error, 1)

	s.Go("boom", func(context.Context) error { panic("kaput") }, OnExit(func(err error) { exited <- err }))

	select {
	case err := <-exited:
		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("expected *PanicError, got %v", err)
		}
		if pe.Name != "boom" || pe.Value != "kaput" || pe.Stack == "" {
			t.Fatalf("unexpected panic error: %+v", pe)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("exit hook not called")
	}

	if err := s.Stop(waitCtx(t)); err == nil {
		t.Fatalf("expected first error to surface from Stop")
	}
	st, ok := s.Stats("boom")
	if !ok || st.Panics != 1 || st.LastPanic != "kaput" || st.Active != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if _, ok := s.Stats("other"); ok {
		t.Fatalf("unknown name should have no stats")
	}
}

func TestGoCanceledIsClean(t *testing.T) {
	s := New(context.Background())
	exited := make(chan error, 1)
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, OnExit(func(err error) { exited <- err }))

	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-exited; err != nil {
		t.Fatalf("expected nil exit error, got %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters: %+v", c)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})

	s.GoRestart("flaky", func(context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			panic("first run")
		}
		if n == 2 {
			return errors.New("second run")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart loop did not reach a clean run, runs=%d", runs.Load())
	}
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st, ok := s.Stats("flaky"); !ok || st.Restarts != 2 || st.Panics != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("expected give-up error")
	}
	if runs.Load() != 3 {
		t.Fatalf("expected 3 runs, got %d", runs.Load())
	}
}
