package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/bus"
	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/protocol"
	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/nats-io/nats.go"
)

// skipBelowSeconds: units shorter than this yield no useful text and are
// answered as skipped without touching the engine.
const skipBelowSeconds = 0.1

// softCapFactor bounds one unit's transcription at a multiple of its audio
// duration; past that the unit is failed and the worker is suspect.
const softCapFactor = 8

// minSoftCap keeps the cap sane for very short units.
const minSoftCap = 30 * time.Second

// Worker is a long-lived execution context pinned to one device. It holds
// one resident engine for its model key and serves one unit at a time from
// its dispatch subject. NATS delivers a subscription's messages sequentially,
// so a second unit cannot enter while one is in flight.
type Worker struct {
	id       int
	deviceID int
	eng      engine.Engine
	bus      *bus.Client
	poolID   string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
}

func newWorker(parent context.Context, id, deviceID int, eng engine.Engine, busClient *bus.Client, poolID string, log *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id:       id,
		deviceID: deviceID,
		eng:      eng,
		bus:      busClient,
		poolID:   poolID,
		log: log.With(
			slog.String("component", "worker"),
			slog.Int("worker_id", id),
			slog.Int("device_id", deviceID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// start loads the model and, once resident, announces ready and begins
// consuming units. The model loads exactly once per worker lifetime.
func (w *Worker) start() error {
	w.publishEvent(protocol.WorkerSpawning, "")

	// Spawn failures are the pool's to handle (it retries synchronously),
	// so no dead event is published here.
	if err := w.eng.Start(w.ctx); err != nil {
		return err
	}

	sub, err := w.bus.Conn().Subscribe(protocol.SubjectUnit(w.poolID, w.id), w.handleUnit)
	if err != nil {
		_ = w.eng.Close()
		return fmt.Errorf("subscribe units: %w", err)
	}
	w.sub = sub

	w.log.Info("worker ready")
	w.publishEvent(protocol.WorkerReady, "")
	return nil
}

// stop drains the subscription and releases the engine.
func (w *Worker) stop() {
	w.publishEvent(protocol.WorkerDraining, "")
	w.cancel()
	if w.sub != nil {
		_ = w.sub.Drain()
	}
	if err := w.eng.Close(); err != nil {
		w.log.Warn("engine close failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) handleUnit(msg *nats.Msg) {
	var desc protocol.UnitDescriptor
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		w.log.Warn("failed to decode unit descriptor", slog.String("error", err.Error()))
		return
	}

	w.publishEvent(protocol.WorkerBusy, "")
	result, dead := w.transcribe(desc)

	if dead {
		// Exhaustion or a lost backend leaves no resident engine; the pool supervisor
		// respawns a replacement in our place. The dead event goes out
		// before the result so the scheduler stops routing to us first.
		w.log.Error("worker dead", slog.String("error", result.Error))
		w.publishEvent(protocol.WorkerDead, result.Error)
		w.publishResult(result)
		if w.sub != nil {
			_ = w.sub.Unsubscribe()
		}
		_ = w.eng.Close()
		return
	}
	w.publishResult(result)
	w.publishEvent(protocol.WorkerReady, "")
}

// transcribe runs one unit through the resident engine and rebases segment
// times to absolute audio time before returning. The rebase inside the
// worker is what makes unit-id order equal absolute-time order downstream.
// The second return reports device exhaustion or a lost backend process
// (ErrEngineLost): the engine is gone and the worker must die.
func (w *Worker) transcribe(desc protocol.UnitDescriptor) (protocol.UnitResult, bool) {
	started := time.Now()
	result := protocol.UnitResult{
		SessionID: desc.SessionID,
		UnitID:    desc.UnitID,
		WorkerID:  w.id,
		Attempt:   desc.Attempt,
	}

	duration := desc.EndS - desc.StartS
	if duration < skipBelowSeconds {
		// Too short to transcribe; the slice file is spent either way.
		os.Remove(desc.AudioPath)
		result.Status = protocol.StatusSkipped
		result.Segments = []subtitle.Segment{}
		result.ElapsedS = time.Since(started).Seconds()
		return result, false
	}

	limit := time.Duration(duration * softCapFactor * float64(time.Second))
	if limit < minSoftCap {
		limit = minSoftCap
	}
	ctx, cancel := context.WithTimeout(w.ctx, limit)
	defer cancel()

	segments, err := w.eng.Transcribe(ctx, engine.Request{
		AudioPath: desc.AudioPath,
		Language:  desc.Language,
		Task:      desc.Task,
		Prompt:    desc.Prompt,
	})
	result.ElapsedS = time.Since(started).Seconds()

	if err != nil {
		// The slice file stays put on failure so a retry on another worker
		// can reuse it; the scheduler removes it after the final attempt.
		result.Status = protocol.StatusFailed
		result.Error = err.Error()
		w.log.Warn("unit transcription failed",
			slog.Int("unit_id", desc.UnitID),
			slog.String("error", err.Error()))
		var exhausted *engine.ExhaustionError
		dead := errors.As(err, &exhausted) || errors.Is(err, engine.ErrEngineLost)
		return result, dead
	}
	os.Remove(desc.AudioPath)

	rebased := make([]subtitle.Segment, 0, len(segments))
	for _, seg := range segments {
		rebased = append(rebased, subtitle.Segment{
			Start: desc.StartS + seg.Start,
			End:   desc.StartS + seg.End,
			Text:  seg.Text,
		})
	}
	result.Status = protocol.StatusOK
	result.Segments = rebased

	w.log.Info("unit transcribed",
		slog.Int("unit_id", desc.UnitID),
		slog.Int("segments", len(rebased)),
		slog.Float64("elapsed_s", result.ElapsedS))
	return result, false
}

func (w *Worker) publishResult(result protocol.UnitResult) {
	data, err := json.Marshal(result)
	if err != nil {
		w.log.Warn("failed to marshal unit result", slog.String("error", err.Error()))
		return
	}
	if err := w.bus.Conn().Publish(protocol.SubjectResults(w.poolID), data); err != nil {
		w.log.Warn("failed to publish unit result", slog.String("error", err.Error()))
	}
}

func (w *Worker) publishEvent(state, errText string) {
	evt := protocol.WorkerEvent{
		WorkerID: w.id,
		DeviceID: w.deviceID,
		State:    state,
		Error:    errText,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := w.bus.Conn().Publish(protocol.SubjectWorkers(w.poolID), data); err != nil {
		w.log.Warn("failed to publish worker event", slog.String("error", err.Error()))
	}
}
