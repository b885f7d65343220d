package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one completed (or in-flight) transcription session.
type Record struct {
	SessionID  string
	Source     string
	Model      string
	Precision  string
	Mode       string
	Language   string
	Task       string
	Status     string
	Warnings   int
	DurationS  float64
	ElapsedS   float64
	OutputPath string
	CreatedAt  time.Time
}

// Store keeps the session history in SQLite so operators can audit past
// jobs and their realtime speed.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initialises the history store, creating the schema on first use.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    model TEXT,
    precision TEXT,
    mode TEXT,
    language TEXT,
    task TEXT,
    status TEXT NOT NULL,
    warnings INTEGER NOT NULL DEFAULT 0,
    duration_s REAL NOT NULL DEFAULT 0,
    elapsed_s REAL NOT NULL DEFAULT 0,
    output_path TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStart inserts the session row at request arrival.
func (s *Store) RecordStart(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, model, precision, mode, language, task, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		rec.SessionID, rec.Source, rec.Model, rec.Precision, rec.Mode,
		rec.Language, rec.Task, "running", s.clock().UTC())
	return err
}

// RecordFinish updates the session row with its outcome.
func (s *Store) RecordFinish(ctx context.Context, sessionID, status string, warnings int, durationS, elapsedS float64, outputPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, warnings = ?, duration_s = ?, elapsed_s = ?, output_path = ?
		 WHERE session_id = ?`,
		status, warnings, durationS, elapsedS, outputPath, sessionID)
	return err
}

// Recent returns the newest sessions, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, source, model, precision, mode, language, task,
		        status, warnings, duration_s, elapsed_s, COALESCE(output_path, ''), created_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.Source, &r.Model, &r.Precision, &r.Mode,
			&r.Language, &r.Task, &r.Status, &r.Warnings, &r.DurationS, &r.ElapsedS,
			&r.OutputPath, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune enforces the retention policy: rows older than RetentionDays go,
// then the oldest rows beyond MaxSessions.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id NOT IN (
			     SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT ?
			 )`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return nil
}
