package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
)

// MockEngine is a scripted backend for tests and dependency-free runs.
// By default it answers one segment covering the file's first second, tagged
// with the file name; tests can
// replace TranscribeFunc to inject segments, failures or exhaustion.
type MockEngine struct {
	key      Key
	deviceID int

	// TranscribeFunc, when set, fully replaces the default behaviour.
	TranscribeFunc func(ctx context.Context, req Request) ([]subtitle.Segment, error)
	// StartErr, when set, is returned by Start (spawn failure injection).
	StartErr error

	mu     sync.Mutex
	starts atomic.Int64
	calls  atomic.Int64
}

// NewMockFactory builds a Factory producing MockEngines. The configure hook
// (optional) runs on every engine before it is returned, letting tests
// script behaviour per device.
func NewMockFactory(configure func(*MockEngine)) Factory {
	return func(key Key, deviceID int) (Engine, error) {
		m := &MockEngine{key: key, deviceID: deviceID}
		if configure != nil {
			configure(m)
		}
		return m, nil
	}
}

func (m *MockEngine) Start(_ context.Context) error {
	if m.StartErr != nil {
		return &SpawnError{Key: m.key, DeviceID: m.deviceID, Err: m.StartErr}
	}
	m.starts.Add(1)
	return nil
}

func (m *MockEngine) Transcribe(ctx context.Context, req Request) ([]subtitle.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Add(1)

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, req)
	}
	return []subtitle.Segment{
		{Start: 0, End: 1, Text: fmt.Sprintf("[transcript %s]", filepath.Base(req.AudioPath))},
	}, nil
}

func (m *MockEngine) Close() error { return nil }

// Starts reports how many times the model was "loaded". The persistent-worker
// property asserts this stays at one per worker lifetime.
func (m *MockEngine) Starts() int64 { return m.starts.Load() }

// Calls reports how many transcriptions this engine served.
func (m *MockEngine) Calls() int64 { return m.calls.Load() }

// DeviceID reports the device this engine was bound to.
func (m *MockEngine) DeviceID() int { return m.deviceID }
