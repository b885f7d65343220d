package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/testsupport"
)

type fakeResident struct {
	closed atomic.Bool
}

func (f *fakeResident) Close() error {
	f.closed.Store(true)
	return nil
}

func countingBuilder(builds *atomic.Int64) Builder {
	return func(_ context.Context, _ Kind, _ engine.Key) (Resident, error) {
		builds.Add(1)
		return &fakeResident{}, nil
	}
}

var testKey = engine.Key{Model: "large-v3-turbo", Precision: "float16"}

func TestAcquireRelease(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(2, countingBuilder(&builds), testsupport.Logger())
	t.Cleanup(p.Close)

	h, err := p.Acquire(context.Background(), KindSingle, testKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Resident == nil {
		t.Fatal("handle has no resident")
	}
	h.Release()
	h.Release() // idempotent
}

func TestConcurrencyNeverExceedsMaxSessions(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(2, countingBuilder(&builds), testsupport.Logger())
	t.Cleanup(p.Close)

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), KindSingle, testKey)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			h.Release()
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("admission ceiling violated: %d concurrent sessions", peak.Load())
	}
}

func TestAcquireTimesOut(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(1, countingBuilder(&builds), testsupport.Logger())
	t.Cleanup(p.Close)

	h, err := p.Acquire(context.Background(), KindSingle, testKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, KindSingle, testKey)
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("expected ErrAdmissionTimeout, got %v", err)
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(1, countingBuilder(&builds), testsupport.Logger())
	t.Cleanup(p.Close)

	first, err := p.Acquire(context.Background(), KindSingle, testKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 3)
	var started sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		started.Add(1)
		go func() {
			// Stagger arrival so the queue order is deterministic.
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			started.Done()
			h, err := p.Acquire(context.Background(), KindSingle, testKey)
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			order <- i
			h.Release()
		}()
	}
	started.Wait()
	time.Sleep(100 * time.Millisecond)
	first.Release()

	for want := 1; want <= 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("FIFO violated: got waiter %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter starved")
		}
	}
}

func TestEngineReusedForSameKey(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(1, countingBuilder(&builds), testsupport.Logger())
	t.Cleanup(p.Close)

	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background(), KindSingle, testKey)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		h.Release()
	}
	if builds.Load() != 1 {
		t.Fatalf("expected 1 build for repeated key, got %d", builds.Load())
	}
}

func TestEngineRebuiltForDifferentKey(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(1, countingBuilder(&builds), testsupport.Logger())
	t.Cleanup(p.Close)

	h, err := p.Acquire(context.Background(), KindSingle, testKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	firstResident := h.Resident.(*fakeResident)
	h.Release()

	other := engine.Key{Model: "large-v3", Precision: "int8"}
	h, err = p.Acquire(context.Background(), KindSingle, other)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()

	if builds.Load() != 2 {
		t.Fatalf("expected rebuild for new key, got %d builds", builds.Load())
	}
	if !firstResident.closed.Load() {
		t.Fatal("stale resident was not closed")
	}
}

func TestBuildFailureReleasesSlot(t *testing.T) {
	fail := errors.New("model load failed")
	calls := 0
	builder := func(_ context.Context, _ Kind, _ engine.Key) (Resident, error) {
		calls++
		if calls == 1 {
			return nil, fail
		}
		return &fakeResident{}, nil
	}
	p := NewPool(1, builder, testsupport.Logger())
	t.Cleanup(p.Close)

	if _, err := p.Acquire(context.Background(), KindSingle, testKey); !errors.Is(err, fail) {
		t.Fatalf("expected build failure, got %v", err)
	}

	// The slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := p.Acquire(ctx, KindSingle, testKey)
	if err != nil {
		t.Fatalf("slot leaked after build failure: %v", err)
	}
	h.Release()
}

func TestCloseFailsWaiters(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(1, countingBuilder(&builds), testsupport.Logger())

	h, err := p.Acquire(context.Background(), KindSingle, testKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), KindSingle, testKey)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	p.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	h.Release()
}
