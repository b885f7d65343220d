package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/audio"
	"github.com/hungshinlee/whisper-for-subs/internal/partition"
	"github.com/hungshinlee/whisper-for-subs/internal/protocol"
	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/hungshinlee/whisper-for-subs/internal/worker"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// maxAttempts: a failed unit is retried once, then recorded as empty.
const maxAttempts = 2

// Options carry the per-session transcription parameters.
type Options struct {
	SessionID string
	Workdir   string
	Language  string
	Task      string
	Prompt    string
}

// Outcome is the session's merged transcript. Warnings counts failed unit
// attempts (including ones that later succeeded on retry) so the caller can
// surface degraded results.
type Outcome struct {
	Segments []subtitle.Segment
	Warnings int
}

type meters struct {
	units   metric.Int64Counter
	retries metric.Int64Counter
}

func newMeters() meters {
	meter := otel.Meter("scheduler")
	units, _ := meter.Int64Counter("scheduler.units.completed")
	retries, _ := meter.Int64Counter("scheduler.units.retried")
	return meters{units: units, retries: retries}
}

type unitState struct {
	unit     partition.Unit
	path     string
	attempts int
	avoid    int // worker the last failed attempt ran on
	resolved bool
	segments []subtitle.Segment
	deadline time.Time
	inflight bool
	workerID int
}

// RunParallel drives the worker pool: every unit is written to a WAV inside
// the session workdir, dispatched FIFO by unit id to whichever worker is
// ready, and collected as results arrive. Completion order is undefined;
// output order is strictly by unit id, which equals absolute-time order
// because workers rebase segment times before publishing.
func RunParallel(ctx context.Context, units []partition.Unit, pool *worker.Pool, opts Options, log *slog.Logger) (Outcome, error) {
	log = log.With(slog.String("component", "scheduler"), slog.String("session_id", opts.SessionID))
	m := newMeters()

	if len(units) == 0 {
		return Outcome{}, nil
	}

	pool.BeginSession()

	states := make([]*unitState, len(units))
	for i, u := range units {
		path := filepath.Join(opts.Workdir, fmt.Sprintf("unit_%04d.wav", u.ID))
		if err := audio.WriteWAV(path, u.Samples); err != nil {
			return Outcome{}, fmt.Errorf("write unit %d: %w", u.ID, err)
		}
		states[i] = &unitState{unit: u, path: path, avoid: -1}
	}
	defer func() {
		for _, s := range states {
			os.Remove(s.path)
		}
	}()

	conn := pool.Bus().Conn()
	results := make(chan *nats.Msg, len(units)*maxAttempts)
	resultSub, err := conn.ChanSubscribe(protocol.SubjectResults(pool.ID()), results)
	if err != nil {
		return Outcome{}, fmt.Errorf("subscribe results: %w", err)
	}
	defer resultSub.Unsubscribe()

	events := make(chan *nats.Msg, 1024)
	eventSub, err := conn.ChanSubscribe(protocol.SubjectWorkers(pool.ID()), events)
	if err != nil {
		return Outcome{}, fmt.Errorf("subscribe worker events: %w", err)
	}
	defer eventSub.Unsubscribe()

	d := &dispatcher{
		conn:    conn,
		poolID:  pool.ID(),
		opts:    opts,
		states:  states,
		free:    make(map[int]bool),
		dead:    make(map[int]bool),
		log:     log,
		metrics: m,
	}
	for _, id := range pool.ReadyWorkers() {
		d.free[id] = true
	}
	d.dispatchAll()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	warnings := 0
	resolved := 0
	for resolved < len(states) {
		select {
		case msg := <-results:
			var res protocol.UnitResult
			if err := json.Unmarshal(msg.Data, &res); err != nil {
				log.Warn("failed to decode unit result", slog.String("error", err.Error()))
				continue
			}
			if res.SessionID != opts.SessionID {
				// A straggler from a previous session on this cached pool.
				continue
			}
			w, done := d.handleResult(res, &warnings)
			if done {
				resolved++
			}
			if w >= 0 && !d.dead[w] && !d.hasInflight(w) {
				d.free[w] = true
			}
			d.dispatchAll()

		case msg := <-events:
			var evt protocol.WorkerEvent
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				continue
			}
			switch evt.State {
			case protocol.WorkerReady:
				delete(d.dead, evt.WorkerID)
				// A ready announcement can trail a dispatch we already made.
				if !d.hasInflight(evt.WorkerID) {
					d.free[evt.WorkerID] = true
				}
				d.dispatchAll()
			case protocol.WorkerDead:
				d.dead[evt.WorkerID] = true
				delete(d.free, evt.WorkerID)
			}

		case <-ticker.C:
			if n := d.expireStalled(&warnings); n > 0 {
				resolved += n
			}
			d.dispatchAll()

		case err := <-pool.Fatal():
			return Outcome{}, fmt.Errorf("scheduler: %w", err)

		case <-ctx.Done():
			// Workers are not pre-empted mid-unit; we just stop dispatching.
			return Outcome{}, ctx.Err()
		}
	}

	segments := assemble(states, log)
	return Outcome{Segments: segments, Warnings: warnings}, nil
}

type dispatcher struct {
	conn    *nats.Conn
	poolID  string
	opts    Options
	states  []*unitState
	free    map[int]bool
	dead    map[int]bool
	log     *slog.Logger
	metrics meters
}

// dispatchAll pairs free workers with pending units, lowest unit id first.
// A retry avoids the worker its previous attempt failed on when another
// free worker exists.
func (d *dispatcher) dispatchAll() {
	for workerID := range d.free {
		if !d.free[workerID] {
			continue
		}
		s := d.nextPending(workerID)
		if s == nil {
			continue
		}
		d.free[workerID] = false
		s.inflight = true
		s.workerID = workerID
		s.deadline = time.Now().Add(softCap(s.unit.Duration()))

		desc := protocol.UnitDescriptor{
			SessionID: d.opts.SessionID,
			UnitID:    s.unit.ID,
			AudioPath: s.path,
			StartS:    s.unit.Start,
			EndS:      s.unit.End,
			Language:  d.opts.Language,
			Task:      d.opts.Task,
			Prompt:    d.opts.Prompt,
			Attempt:   s.attempts,
		}
		data, err := json.Marshal(desc)
		if err != nil {
			continue
		}
		if err := d.conn.Publish(protocol.SubjectUnit(d.poolID, workerID), data); err != nil {
			d.log.Warn("unit dispatch failed",
				slog.Int("unit_id", s.unit.ID),
				slog.String("error", err.Error()))
			s.inflight = false
			d.free[workerID] = true
			return
		}
	}
}

func (d *dispatcher) hasInflight(workerID int) bool {
	for _, s := range d.states {
		if s.inflight && s.workerID == workerID {
			return true
		}
	}
	return false
}

func (d *dispatcher) nextPending(workerID int) *unitState {
	var fallback *unitState
	for _, s := range d.states {
		if s.resolved || s.inflight {
			continue
		}
		if s.avoid == workerID {
			if fallback == nil {
				fallback = s
			}
			continue
		}
		return s
	}
	// Only avoid-marked units left: leave them to another free worker when
	// one exists; otherwise running one here beats stalling.
	if fallback != nil {
		for other, free := range d.free {
			if free && other != workerID {
				return nil
			}
		}
	}
	return fallback
}

// handleResult stores or requeues one unit result. Returns the worker to
// free (or -1) and whether the unit reached a final state.
func (d *dispatcher) handleResult(res protocol.UnitResult, warnings *int) (int, bool) {
	if res.UnitID < 0 || res.UnitID >= len(d.states) {
		return -1, false
	}
	s := d.states[res.UnitID]
	if s.resolved || !s.inflight || s.workerID != res.WorkerID {
		// A late answer from a reassigned unit; the worker is free again.
		return res.WorkerID, false
	}
	s.inflight = false

	switch res.Status {
	case protocol.StatusOK, protocol.StatusSkipped:
		s.resolved = true
		s.segments = res.Segments
		d.metrics.units.Add(context.Background(), 1)
		return res.WorkerID, true
	default:
		*warnings++
		s.attempts++
		s.avoid = res.WorkerID
		if s.attempts >= maxAttempts {
			d.log.Warn("unit failed permanently, recording empty",
				slog.Int("unit_id", res.UnitID),
				slog.String("error", res.Error))
			s.resolved = true
			s.segments = nil
			os.Remove(s.path)
			return res.WorkerID, true
		}
		d.log.Warn("requeueing failed unit",
			slog.Int("unit_id", res.UnitID),
			slog.Int("worker_id", res.WorkerID),
			slog.String("error", res.Error))
		d.metrics.retries.Add(context.Background(), 1)
		return res.WorkerID, false
	}
}

// expireStalled fails units whose soft cap elapsed without an answer; the
// worker holding them is suspect and stays out of rotation until it reports
// ready again. Returns how many units reached a final state.
func (d *dispatcher) expireStalled(warnings *int) int {
	now := time.Now()
	final := 0
	for _, s := range d.states {
		if s.resolved || !s.inflight || now.Before(s.deadline) {
			continue
		}
		d.log.Warn("unit exceeded soft cap, reassigning",
			slog.Int("unit_id", s.unit.ID),
			slog.Int("worker_id", s.workerID))
		s.inflight = false
		delete(d.free, s.workerID)
		*warnings++
		s.attempts++
		s.avoid = s.workerID
		if s.attempts >= maxAttempts {
			s.resolved = true
			s.segments = nil
			final++
		}
	}
	return final
}

func softCap(durationS float64) time.Duration {
	limit := time.Duration(durationS * 8 * float64(time.Second))
	if limit < 30*time.Second {
		limit = 30 * time.Second
	}
	return limit
}

// assemble concatenates stored segments in unit id order and verifies the
// cross-boundary monotonicity the partitioner guarantees; inversions are
// logged, never rejected.
func assemble(states []*unitState, log *slog.Logger) []subtitle.Segment {
	sort.Slice(states, func(i, j int) bool { return states[i].unit.ID < states[j].unit.ID })
	var segments []subtitle.Segment
	for _, s := range states {
		segments = append(segments, s.segments...)
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Start < segments[i-1].Start {
			log.Warn("segment time inversion across unit boundary",
				slog.Float64("prev_start", segments[i-1].Start),
				slog.Float64("start", segments[i].Start))
		}
	}
	return segments
}
