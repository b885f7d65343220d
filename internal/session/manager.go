package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the sessions root. Every request gets an isolated workdir
// named by a fresh UUID; no two concurrent sessions ever share a path.
type Manager struct {
	root        string
	outputDir   string
	downloadDir string
	sweepAge    time.Duration
	log         *slog.Logger
	clock       func() time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
}

func NewManager(root, outputDir, downloadDir string, sweepAge time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		root:        root,
		outputDir:   outputDir,
		downloadDir: downloadDir,
		sweepAge:    sweepAge,
		log:         log.With(slog.String("component", "session")),
		clock:       time.Now,
	}
}

func (m *Manager) OutputDir() string   { return m.outputDir }
func (m *Manager) DownloadDir() string { return m.downloadDir }

// Session is the lifetime of one request: created at arrival, workdir
// deleted on Close regardless of outcome.
type Session struct {
	ID        string
	Workdir   string
	StartedAt time.Time

	log       *slog.Logger
	closeOnce sync.Once
}

// Open creates a workdir under the sessions root and sweeps stale state
// (at most once per sweep age window, so session start stays cheap).
func (m *Manager) Open() (*Session, error) {
	m.maybeSweep()

	id := uuid.NewString()
	workdir := filepath.Join(m.root, id)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create session workdir: %w", err)
	}

	s := &Session{
		ID:        id,
		Workdir:   workdir,
		StartedAt: m.clock(),
		log:       m.log.With(slog.String("session_id", id)),
	}
	s.log.Info("session opened", slog.String("workdir", workdir))
	return s, nil
}

// Stage copies an input file into the workdir under a UUID-prefixed name,
// so duplicate original filenames across concurrent sessions never collide.
func (s *Session) Stage(inputPath string) (string, error) {
	src, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	name := fmt.Sprintf("%s_%s", uuid.NewString(), filepath.Base(inputPath))
	staged := filepath.Join(s.Workdir, name)
	dst, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("stage input: %w", err)
	}
	return staged, nil
}

// Path joins a name under the workdir. All temporary artefacts a session
// produces live here and die with Close.
func (s *Session) Path(name string) string {
	return filepath.Join(s.Workdir, name)
}

// Close deletes the workdir. Idempotent and unconditional: cleanup failures
// are logged and absorbed, never surfaced to the caller.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := os.RemoveAll(s.Workdir); err != nil {
			s.log.Warn("session cleanup failed", slog.String("error", err.Error()))
			return
		}
		s.log.Info("session closed")
	})
}

// maybeSweep prunes stale session dirs, download caches and output artefacts
// older than the configured age. Runs at most once per age window.
func (m *Manager) maybeSweep() {
	m.sweepMu.Lock()
	if !m.lastSweep.IsZero() && m.clock().Sub(m.lastSweep) < m.sweepAge {
		m.sweepMu.Unlock()
		return
	}
	m.lastSweep = m.clock()
	m.sweepMu.Unlock()

	m.Sweep()
}

// Sweep removes entries older than the sweep age from the sessions root,
// the download cache and the outputs directory.
func (m *Manager) Sweep() {
	cutoff := m.clock().Add(-m.sweepAge)
	for _, dir := range []string{m.root, m.downloadDir, m.outputDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				m.log.Warn("sweep failed", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			m.log.Info("swept stale entry", slog.String("path", path))
		}
	}
}
