package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"speedlog/internal/measure"
	logx "speedlog/pkg/logx"
)

// SQLiteConfig configures the optional mirror database.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// SQLite mirrors records into a "measurements" table. It is never read back
// into the result store.
type SQLite struct {
	db     *sql.DB
	log    logx.Logger
	insert string
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer is all SQLite wants.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, createTableSQL()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite mirror ready", logx.String("path", path))
	return &SQLite{db: db, log: log, insert: insertSQL()}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Append(ctx context.Context, rec measure.Record) error {
	vals := rec.Values()
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = sqlValue(v)
	}
	_, err := s.db.ExecContext(ctx, s.insert, args...)
	return err
}

// Count returns the number of mirrored rows.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements`).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func createTableSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS measurements (\n  id INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range measure.Schema() {
		b.WriteString(",\n  ")
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(sqlType(c.Kind))
	}
	b.WriteString("\n);\nCREATE INDEX IF NOT EXISTS measurements_system_time ON measurements(system_time);")
	return b.String()
}

func insertSQL() string {
	cols := measure.Columns()
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return "INSERT INTO measurements(" + strings.Join(cols, ",") + ") VALUES(" + marks + ")"
}

func sqlType(k measure.Kind) string {
	switch k {
	case measure.KindReal:
		return "REAL"
	case measure.KindInteger, measure.KindBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return x
	}
}
