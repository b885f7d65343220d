package scheduler

import (
	"context"
	"testing"

	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/partition"
	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/hungshinlee/whisper-for-subs/internal/testsupport"
)

func newMockEngine(t *testing.T, configure func(*engine.MockEngine)) *engine.MockEngine {
	t.Helper()
	factory := engine.NewMockFactory(configure)
	eng, err := factory(testKey, 0)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng.(*engine.MockEngine)
}

func TestRunSingleRebasesToAbsoluteTime(t *testing.T) {
	eng := newMockEngine(t, func(m *engine.MockEngine) {
		m.TranscribeFunc = func(_ context.Context, _ engine.Request) ([]subtitle.Segment, error) {
			return []subtitle.Segment{{Start: 1, End: 2.5, Text: "hello"}}, nil
		}
	})

	units := []partition.Unit{{ID: 0, Start: 45, End: 60, Samples: make([]float32, 160)}}
	out, err := RunSingle(context.Background(), units, eng,
		Options{SessionID: "s-single", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run single: %v", err)
	}
	if len(out.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(out.Segments))
	}
	if out.Segments[0].Start != 46 || out.Segments[0].End != 47.5 {
		t.Fatalf("segment not rebased: [%g, %g]", out.Segments[0].Start, out.Segments[0].End)
	}
}

func TestRunSingleSameContractAsParallel(t *testing.T) {
	calls := 0
	eng := newMockEngine(t, func(m *engine.MockEngine) {
		m.TranscribeFunc = func(_ context.Context, _ engine.Request) ([]subtitle.Segment, error) {
			calls++
			if calls == 1 {
				return nil, context.DeadlineExceeded
			}
			return []subtitle.Segment{{Start: 0, End: 1, Text: "recovered"}}, nil
		}
	})

	units := makeUnits(20)
	out, err := RunSingle(context.Background(), units, eng,
		Options{SessionID: "s-single-retry", Workdir: t.TempDir(), Task: "transcribe"},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run single: %v", err)
	}
	if len(out.Segments) != 1 || out.Warnings != 1 {
		t.Fatalf("expected recovered unit with 1 warning, got %d segments, %d warnings",
			len(out.Segments), out.Warnings)
	}
}

func TestRunSingleSkipsTinyUnits(t *testing.T) {
	eng := newMockEngine(t, nil)
	units := []partition.Unit{{ID: 0, Start: 0, End: 0.05, Samples: make([]float32, 160)}}
	out, err := RunSingle(context.Background(), units, eng,
		Options{SessionID: "s-single-skip", Workdir: t.TempDir()},
		testsupport.Logger())
	if err != nil {
		t.Fatalf("run single: %v", err)
	}
	if len(out.Segments) != 0 {
		t.Fatalf("expected no segments, got %d", len(out.Segments))
	}
	if eng.Calls() != 0 {
		t.Fatal("engine invoked for a sub-100ms unit")
	}
}

func TestRunSingleCancelled(t *testing.T) {
	eng := newMockEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := RunSingle(ctx, makeUnits(20), eng,
		Options{SessionID: "s-cancel", Workdir: t.TempDir()},
		testsupport.Logger()); err == nil {
		t.Fatal("expected cancellation error")
	}
}
