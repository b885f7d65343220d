package protocol

import (
	"fmt"

	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
)

// UnitDescriptor is the serialisable work unit handed to a worker. The audio
// slice travels as a WAV file inside the session workdir, never as in-process
// memory, so workers can be moved out-of-process without protocol changes.
type UnitDescriptor struct {
	SessionID string  `json:"session_id"`
	UnitID    int     `json:"unit_id"`
	AudioPath string  `json:"audio_path"`
	StartS    float64 `json:"start_s"`
	EndS      float64 `json:"end_s"`
	Language  string  `json:"language"`
	Task      string  `json:"task"`
	Prompt    string  `json:"prompt,omitempty"`
	Attempt   int     `json:"attempt"`
}

// Unit result statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// UnitResult is a worker's answer for one unit. Segment times are already
// rebased to absolute audio time by the worker before publishing.
type UnitResult struct {
	SessionID string             `json:"session_id"`
	UnitID    int                `json:"unit_id"`
	Status    string             `json:"status"`
	Segments  []subtitle.Segment `json:"segments,omitempty"`
	Error     string             `json:"error,omitempty"`
	WorkerID  int                `json:"worker_id"`
	ElapsedS  float64            `json:"elapsed_s"`
	Attempt   int                `json:"attempt"`
}

// Worker lifecycle states carried by WorkerEvent.
const (
	WorkerSpawning = "spawning"
	WorkerReady    = "ready"
	WorkerBusy     = "busy"
	WorkerDraining = "draining"
	WorkerDead     = "dead"
)

// WorkerEvent announces a worker state transition to the pool supervisor.
type WorkerEvent struct {
	WorkerID int    `json:"worker_id"`
	DeviceID int    `json:"device_id"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// Subjects are scoped per pool so concurrent pools on a shared bus never
// cross-deliver. Each worker owns a dispatch subject; the scheduler assigns
// the lowest-numbered pending unit to whichever worker reports ready.
func SubjectUnit(poolID string, workerID int) string {
	return fmt.Sprintf("work.unit.%s.%d", poolID, workerID)
}
func SubjectResults(poolID string) string { return fmt.Sprintf("work.result.%s", poolID) }
func SubjectWorkers(poolID string) string { return fmt.Sprintf("work.worker.%s", poolID) }
