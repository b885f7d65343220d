package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/config"
	"github.com/hungshinlee/whisper-for-subs/internal/testsupport"
)

func openStore(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	s, err := Open(context.Background(), cfg, testsupport.Logger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionDays: 30, MaxSessions: 100})

	rec := Record{
		SessionID: "session-123",
		Source:    "lecture.mp4",
		Model:     "large-v3-turbo",
		Precision: "float16",
		Mode:      "parallel",
		Language:  "zh",
		Task:      "transcribe",
	}
	if err := s.RecordStart(context.Background(), rec); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.RecordFinish(context.Background(), "session-123", "ok", 2, 600, 75, "/out/lecture.srt"); err != nil {
		t.Fatalf("record finish: %v", err)
	}

	records, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Status != "ok" || got.Warnings != 2 || got.DurationS != 600 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.OutputPath != "/out/lecture.srt" {
		t.Fatalf("unexpected output path: %s", got.OutputPath)
	}
}

func TestRecordStartIsIdempotent(t *testing.T) {
	s := openStore(t, config.HistoryConfig{})

	rec := Record{SessionID: "dup"}
	if err := s.RecordStart(context.Background(), rec); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.RecordStart(context.Background(), rec); err != nil {
		t.Fatalf("second record start: %v", err)
	}

	records, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openStore(t, config.HistoryConfig{RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.RecordStart(context.Background(), Record{SessionID: "old"}); err != nil {
		t.Fatalf("record start: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.RecordStart(context.Background(), Record{SessionID: "new"}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "new" {
		t.Fatalf("expected only the new session, got %+v", records)
	}
}
