package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
)

// Key identifies a resident model: a worker only serves units whose engine
// requested the same key.
type Key struct {
	Model     string
	Precision string
}

func (k Key) String() string {
	return k.Model + "/" + k.Precision
}

// Request is one transcription call. AudioPath points at a mono 16 kHz WAV
// inside the session workdir.
type Request struct {
	AudioPath string
	Language  string
	Task      string
	Prompt    string
}

// Engine abstracts the inference backend. Start loads the model exactly once
// per engine lifetime; Transcribe is not safe for concurrent use — one call
// at a time per engine, matching the backend's own contract. Segment times
// are local to the request's file.
type Engine interface {
	Start(ctx context.Context) error
	Transcribe(ctx context.Context, req Request) ([]subtitle.Segment, error)
	Close() error
}

// Factory creates engines bound to a device ordinal. The worker pool calls
// it once per worker; the admission pool calls it for single-mode residents.
type Factory func(key Key, deviceID int) (Engine, error)

// SpawnError reports an engine that could not initialise its device or model.
type SpawnError struct {
	Key      Key
	DeviceID int
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("engine: spawn %s on device %d: %v", e.Key, e.DeviceID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrEngineLost reports that the backend process behind an engine is gone
// (killed past its soft cap, or crashed). The worker holding it must die and
// let the pool respawn a replacement.
var ErrEngineLost = errors.New("engine: backend process lost")

// ExhaustionError reports device memory exhaustion. The pool marks the
// worker dead and respawns it; a second death of the same worker within one
// session aborts the session, whether or not the two deaths are consecutive.
type ExhaustionError struct {
	DeviceID int
	Err      error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("engine: device %d exhausted: %v", e.DeviceID, e.Err)
}

func (e *ExhaustionError) Unwrap() error { return e.Err }
