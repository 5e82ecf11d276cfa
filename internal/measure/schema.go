package measure

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind is the storage type of a column.
type Kind int

const (
	KindText Kind = iota
	KindReal
	KindInteger
	KindBool
	KindTime
)

// Column describes one field of the fixed schema.
type Column struct {
	Name string
	Kind Kind

	get    func(*Record) any
	format func(*Record) string
	set    func(*Record, string) error
}

// ErrColumnCount is returned by ParseRow when header and row lengths differ.
var ErrColumnCount = errors.New("measure: column count mismatch")

var schema = []Column{
	timeCol("system_time", func(r *Record) *time.Time { return &r.CapturedAt }),
	realCol("download", func(r *Record) *float64 { return &r.DownloadMbps }),
	realCol("upload", func(r *Record) *float64 { return &r.UploadMbps }),
	realCol("ping", func(r *Record) *float64 { return &r.PingMs }),
	textCol("server_url", func(r *Record) *string { return &r.ServerURL }),
	realCol("server_lat", func(r *Record) *float64 { return &r.ServerLat }),
	realCol("server_lon", func(r *Record) *float64 { return &r.ServerLon }),
	textCol("server_name", func(r *Record) *string { return &r.ServerName }),
	textCol("server_cc", func(r *Record) *string { return &r.ServerCC }),
	textCol("server_id", func(r *Record) *string { return &r.ServerID }),
	realCol("server_d", func(r *Record) *float64 { return &r.ServerDistance }),
	realCol("server_latency", func(r *Record) *float64 { return &r.ServerLatencyMs }),
	stampCol("timestamp", func(r *Record) *time.Time { return &r.ProviderTimestamp }),
	intCol("bytes_sent", func(r *Record) *int64 { return &r.BytesSent }),
	intCol("bytes_received", func(r *Record) *int64 { return &r.BytesReceived }),
	textCol("share", func(r *Record) *string { return &r.Share }),
	textCol("client_ip", func(r *Record) *string { return &r.ClientIP }),
	realCol("client_lat", func(r *Record) *float64 { return &r.ClientLat }),
	realCol("client_lon", func(r *Record) *float64 { return &r.ClientLon }),
	textCol("client_isp", func(r *Record) *string { return &r.ClientISP }),
	realCol("client_isprating", func(r *Record) *float64 { return &r.ClientISPRating }),
	realCol("client_rating", func(r *Record) *float64 { return &r.ClientRating }),
	realCol("client_ispdlavg", func(r *Record) *float64 { return &r.ClientISPDlAvg }),
	realCol("client_ispulavg", func(r *Record) *float64 { return &r.ClientISPUlAvg }),
	boolCol("client_loggedin", func(r *Record) *bool { return &r.ClientLoggedIn }),
	textCol("client_country", func(r *Record) *string { return &r.ClientCountry }),
}

var schemaIndex = func() map[string]int {
	m := make(map[string]int, len(schema))
	for i, c := range schema {
		m[c.Name] = i
	}
	return m
}()

// Schema returns the column definitions in declaration order.
func Schema() []Column {
	return append([]Column(nil), schema...)
}

// Columns returns the column names in declaration order (the CSV header).
func Columns() []string {
	out := make([]string, len(schema))
	for i, c := range schema {
		out[i] = c.Name
	}
	return out
}

// Values returns the typed field values in column order.
// Times are returned as time.Time; a zero provider timestamp is returned as nil.
func (r Record) Values() []any {
	out := make([]any, len(schema))
	for i, c := range schema {
		out[i] = c.get(&r)
	}
	return out
}

// Row returns the CSV field values in column order.
func (r Record) Row() []string {
	out := make([]string, len(schema))
	for i, c := range schema {
		out[i] = c.format(&r)
	}
	return out
}

// ParseRow is the type-aware inverse of Row. The header maps row positions to
// columns; unknown header names are ignored so older files with extra columns
// still load.
func ParseRow(header, row []string) (Record, error) {
	if len(header) != len(row) {
		return Record{}, fmt.Errorf("%w: header=%d row=%d", ErrColumnCount, len(header), len(row))
	}
	var rec Record
	for i, name := range header {
		idx, ok := schemaIndex[name]
		if !ok {
			continue
		}
		if err := schema[idx].set(&rec, row[i]); err != nil {
			return Record{}, fmt.Errorf("column %s: %w", name, err)
		}
	}
	return rec, nil
}

func timeCol(name string, f func(*Record) *time.Time) Column {
	return Column{
		Name: name,
		Kind: KindTime,
		get:  func(r *Record) any { return *f(r) },
		format: func(r *Record) string {
			if f(r).IsZero() {
				return ""
			}
			return f(r).Format(TimeLayout)
		},
		set: func(r *Record, s string) error {
			if s == "" {
				*f(r) = time.Time{}
				return nil
			}
			t, err := time.ParseInLocation(TimeLayout, s, time.Local)
			if err != nil {
				return err
			}
			*f(r) = t
			return nil
		},
	}
}

func stampCol(name string, f func(*Record) *time.Time) Column {
	return Column{
		Name: name,
		Kind: KindTime,
		get: func(r *Record) any {
			if f(r).IsZero() {
				return nil
			}
			return *f(r)
		},
		format: func(r *Record) string {
			if f(r).IsZero() {
				return ""
			}
			return f(r).UTC().Format(time.RFC3339Nano)
		},
		set: func(r *Record, s string) error {
			if s == "" {
				*f(r) = time.Time{}
				return nil
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return err
			}
			*f(r) = t
			return nil
		},
	}
}

func textCol(name string, f func(*Record) *string) Column {
	return Column{
		Name:   name,
		Kind:   KindText,
		get:    func(r *Record) any { return *f(r) },
		format: func(r *Record) string { return *f(r) },
		set:    func(r *Record, s string) error { *f(r) = s; return nil },
	}
}

func realCol(name string, f func(*Record) *float64) Column {
	return Column{
		Name: name,
		Kind: KindReal,
		get:  func(r *Record) any { return *f(r) },
		format: func(r *Record) string {
			return strconv.FormatFloat(*f(r), 'f', -1, 64)
		},
		set: func(r *Record, s string) error {
			if s == "" {
				*f(r) = 0
				return nil
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			*f(r) = v
			return nil
		},
	}
}

func intCol(name string, f func(*Record) *int64) Column {
	return Column{
		Name: name,
		Kind: KindInteger,
		get:  func(r *Record) any { return *f(r) },
		format: func(r *Record) string {
			return strconv.FormatInt(*f(r), 10)
		},
		set: func(r *Record, s string) error {
			if s == "" {
				*f(r) = 0
				return nil
			}
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			*f(r) = v
			return nil
		},
	}
}

func boolCol(name string, f func(*Record) *bool) Column {
	return Column{
		Name: name,
		Kind: KindBool,
		get:  func(r *Record) any { return *f(r) },
		format: func(r *Record) string {
			return strconv.FormatBool(*f(r))
		},
		set: func(r *Record, s string) error {
			if s == "" {
				*f(r) = false
				return nil
			}
			v, err := strconv.ParseBool(s)
			if err != nil {
				return err
			}
			*f(r) = v
			return nil
		},
	}
}
