package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/partition"
	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/hungshinlee/whisper-for-subs/internal/testsupport"
	"github.com/hungshinlee/whisper-for-subs/internal/worker"
)

var testKey = engine.Key{Model: "large-v3-turbo", Precision: "float16"}

// engineTracker records every engine a factory hands out.
type engineTracker struct {
	mu      sync.Mutex
	engines []*engine.MockEngine
}

func (tr *engineTracker) add(m *engine.MockEngine) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.engines = append(tr.engines, m)
}

func (tr *engineTracker) all() []*engine.MockEngine {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]*engine.MockEngine(nil), tr.engines...)
}

func makeUnits(durations ...float64) []partition.Unit {
	var units []partition.Unit
	cursor := 0.0
	for i, d := range durations {
		units = append(units, partition.Unit{
			ID:      i,
			Start:   cursor,
			End:     cursor + d,
			Samples: make([]float32, 160), // content is irrelevant to the mock
		})
		cursor += d + 1
	}
	return units
}

func startPool(t *testing.T, devices []int, configure func(*engine.MockEngine)) (*worker.Pool, *engineTracker) {
	t.Helper()
	busClient := testsupport.StartBus(t)
	tracker := &engineTracker{}
	factory := engine.NewMockFactory(func(m *engine.MockEngine) {
		if configure != nil {
			configure(m)
		}
		tracker.add(m)
	})
	pool := worker.NewPool(context.Background(), testKey, devices, factory, busClient, testsupport.Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool, tracker
}

func TestRunParallelMergesInTimeOrder(t *testing.T) {
	pool, tracker := startPool(t, []int{0, 1, 2, 3}, nil)

	if got := len(pool.ReadyWorkers()); got != 4 {
		t.Fatalf("expected 4 ready workers before dispatch, got %d", got)
	}

	units := makeUnits(20, 20, 20, 20, 20, 20, 20, 20)
	out, err := RunParallel(context.Background(), units, pool,
		Options{SessionID: "s-order", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}

	if len(out.Segments) != len(units) {
		t.Fatalf("expected %d segments, got %d", len(units), len(out.Segments))
	}
	for i := 1; i < len(out.Segments); i++ {
		if out.Segments[i].Start < out.Segments[i-1].Start {
			t.Fatalf("segments out of order at %d: %g < %g",
				i, out.Segments[i].Start, out.Segments[i-1].Start)
		}
	}
	if out.Warnings != 0 {
		t.Fatalf("unexpected warnings: %d", out.Warnings)
	}

	// Persistent-worker property: one model load per worker lifetime.
	engines := tracker.all()
	if len(engines) != 4 {
		t.Fatalf("expected 4 engines, got %d", len(engines))
	}
	for _, e := range engines {
		if e.Starts() != 1 {
			t.Fatalf("engine on device %d loaded %d times", e.DeviceID(), e.Starts())
		}
	}
}

func TestRunParallelRebasesToAbsoluteTime(t *testing.T) {
	pool, _ := startPool(t, []int{0}, func(m *engine.MockEngine) {
		m.TranscribeFunc = func(_ context.Context, _ engine.Request) ([]subtitle.Segment, error) {
			return []subtitle.Segment{{Start: 0.5, End: 2, Text: "hello"}}, nil
		}
	})

	// A unit starting at a non-zero time must come back in absolute time.
	units := []partition.Unit{{ID: 0, Start: 30, End: 50, Samples: make([]float32, 160)}}
	out, err := RunParallel(context.Background(), units, pool,
		Options{SessionID: "s-rebase", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}
	if len(out.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(out.Segments))
	}
	if out.Segments[0].Start != 30.5 || out.Segments[0].End != 32 {
		t.Fatalf("segment not rebased: [%g, %g]", out.Segments[0].Start, out.Segments[0].End)
	}
}

func TestRunParallelRetriesFailedUnit(t *testing.T) {
	var mu sync.Mutex
	failed := false
	pool, _ := startPool(t, []int{0, 1}, func(m *engine.MockEngine) {
		m.TranscribeFunc = func(_ context.Context, req engine.Request) ([]subtitle.Segment, error) {
			mu.Lock()
			defer mu.Unlock()
			if strings.Contains(req.AudioPath, "unit_0001") && !failed {
				failed = true
				return nil, context.DeadlineExceeded
			}
			return []subtitle.Segment{{Start: 0, End: 1, Text: "ok"}}, nil
		}
	})

	units := makeUnits(20, 20, 20)
	out, err := RunParallel(context.Background(), units, pool,
		Options{SessionID: "s-retry", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}
	if len(out.Segments) != 3 {
		t.Fatalf("expected retry to recover all units, got %d segments", len(out.Segments))
	}
	if out.Warnings != 1 {
		t.Fatalf("expected 1 warning for the recovered failure, got %d", out.Warnings)
	}
}

func TestRunParallelRecordsEmptyAfterSecondFailure(t *testing.T) {
	pool, _ := startPool(t, []int{0, 1}, func(m *engine.MockEngine) {
		m.TranscribeFunc = func(_ context.Context, req engine.Request) ([]subtitle.Segment, error) {
			if strings.Contains(req.AudioPath, "unit_0000") {
				return nil, context.DeadlineExceeded
			}
			return []subtitle.Segment{{Start: 0, End: 1, Text: "ok"}}, nil
		}
	})

	units := makeUnits(20, 20)
	out, err := RunParallel(context.Background(), units, pool,
		Options{SessionID: "s-fail", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}
	if len(out.Segments) != 1 {
		t.Fatalf("expected the failed unit recorded empty, got %d segments", len(out.Segments))
	}
	if out.Warnings != 2 {
		t.Fatalf("expected 2 warnings for 2 failed attempts, got %d", out.Warnings)
	}
}

func TestRunParallelRespawnsDeadWorker(t *testing.T) {
	var mu sync.Mutex
	exhausted := false
	pool, tracker := startPool(t, []int{0, 1}, func(m *engine.MockEngine) {
		m.TranscribeFunc = func(_ context.Context, req engine.Request) ([]subtitle.Segment, error) {
			mu.Lock()
			defer mu.Unlock()
			if m.DeviceID() == 1 && !exhausted {
				exhausted = true
				return nil, &engine.ExhaustionError{DeviceID: 1, Err: context.DeadlineExceeded}
			}
			return []subtitle.Segment{{Start: 0, End: 1, Text: "ok"}}, nil
		}
	})

	units := makeUnits(20, 20, 20, 20)
	out, err := RunParallel(context.Background(), units, pool,
		Options{SessionID: "s-respawn", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}
	if len(out.Segments) != 4 {
		t.Fatalf("expected all units recovered after respawn, got %d segments", len(out.Segments))
	}

	// The dead worker's replacement is a fresh engine on the same device.
	device1 := 0
	for _, e := range tracker.all() {
		if e.DeviceID() == 1 {
			device1++
		}
	}
	if device1 != 2 {
		t.Fatalf("expected exactly one respawn on device 1, got %d engines", device1)
	}
}

func TestRunParallelSkipsTinyUnits(t *testing.T) {
	pool, tracker := startPool(t, []int{0}, nil)

	units := []partition.Unit{{ID: 0, Start: 0, End: 0.05, Samples: make([]float32, 160)}}
	out, err := RunParallel(context.Background(), units, pool,
		Options{SessionID: "s-skip", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}
	if len(out.Segments) != 0 {
		t.Fatalf("expected skipped unit to yield no segments, got %d", len(out.Segments))
	}
	for _, e := range tracker.all() {
		if e.Calls() != 0 {
			t.Fatal("engine invoked for a sub-100ms unit")
		}
	}
}

func TestRunParallelNoUnits(t *testing.T) {
	pool, _ := startPool(t, []int{0}, nil)
	out, err := RunParallel(context.Background(), nil, pool,
		Options{SessionID: "s-empty", Workdir: t.TempDir()},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run parallel: %v", err)
	}
	if len(out.Segments) != 0 || out.Warnings != 0 {
		t.Fatalf("expected empty outcome, got %+v", out)
	}
}
