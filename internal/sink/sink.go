// Package sink persists measurement records.
//
// The CSV file is the durable source of truth; every append reopens it so a
// crash loses at most the row being written. SQLite is an optional mirror for
// ad-hoc queries.
package sink

import (
	"context"
	"errors"
	"fmt"

	"speedlog/internal/measure"
)

// ErrNoLog is returned by the read helpers when the CSV file does not exist.
var ErrNoLog = errors.New("sink: log file not found")

// Sink receives each successful record.
type Sink interface {
	Append(ctx context.Context, rec measure.Record) error
	Close() error
}

// Named is implemented by sinks that want a stable label in errors and logs.
type Named interface {
	Name() string
}

// WriteError reports a failed append. The record is still held in memory by
// the caller.
type WriteError struct {
	Sink string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink %s: write failed: %v", e.Sink, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Multi fans a record out to its sinks in order. A failing sink does not stop
// the ones after it.
type Multi []Sink

func (m Multi) Append(ctx context.Context, rec measure.Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, &WriteError{Sink: NameOf(s), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", NameOf(s), err))
		}
	}
	return errors.Join(errs...)
}

// WriteErrors extracts every *WriteError from a (possibly joined) error.
func WriteErrors(err error) []*WriteError {
	if err == nil {
		return nil
	}
	var out []*WriteError
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			out = append(out, WriteErrors(e)...)
		}
		return out
	}
	var we *WriteError
	if errors.As(err, &we) {
		return []*WriteError{we}
	}
	return []*WriteError{{Sink: "unknown", Err: err}}
}

// NameOf returns a label for s.
func NameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
