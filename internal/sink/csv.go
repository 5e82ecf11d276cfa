package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"speedlog/internal/measure"
)

// DefaultCSVPath is where records go when no path is configured.
const DefaultCSVPath = "logs/connection_log.csv"

// CSV appends one row per record to a file, writing the header only when the
// file is empty.
type CSV struct {
	path string
	mu   sync.Mutex
}

// NewCSV returns a CSV sink for path. Nothing touches the disk until the first
// Append.
func NewCSV(path string) *CSV {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultCSVPath
	}
	return &CSV{path: path}
}

func (c *CSV) Name() string { return "csv" }

func (c *CSV) Path() string { return c.path }

func (c *CSV) Append(ctx context.Context, rec measure.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir := filepath.Dir(c.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	// Close errors matter: a failed close can mean the row never hit the disk.
	werr := writeRow(f, rec)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return fmt.Errorf("close log: %w", cerr)
	}
	return nil
}

func writeRow(f *os.File, rec measure.Record) error {
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(measure.Columns()); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(rec.Row()); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush log: %w", err)
	}
	return nil
}

func (c *CSV) Close() error { return nil }

// Open opens the CSV file for reading. A missing file yields ErrNoLog.
func Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoLog
	}
	return f, err
}

// ReadCSV loads every record in the file at path.
func ReadCSV(path string) ([]measure.Record, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeCSV(f)
}

// DecodeCSV parses a header line followed by rows.
func DecodeCSV(r io.Reader) ([]measure.Record, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []measure.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	out := []measure.Record{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := measure.ParseRow(header, row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

// EncodeCSV writes the header and one row per record.
func EncodeCSV(w io.Writer, recs []measure.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(measure.Columns()); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write(r.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
