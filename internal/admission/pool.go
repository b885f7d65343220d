package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hungshinlee/whisper-for-subs/internal/engine"
)

// ErrAdmissionTimeout is returned when the caller's deadline expires before
// a slot frees up. The caller may retry at will.
var ErrAdmissionTimeout = errors.New("admission: no slot available before deadline")

// ErrClosed is returned once the pool has shut down.
var ErrClosed = errors.New("admission: pool closed")

// Kind selects the execution mode an engine slot serves.
type Kind string

const (
	KindSingle   Kind = "single"
	KindParallel Kind = "parallel"
)

// Resident is a cached execution backend: a single-mode engine or a parallel
// worker pool. It stays loaded across sessions that request the same
// configuration and is closed when its slot is reconfigured or the pool
// shuts down.
type Resident interface {
	Close() error
}

// Builder constructs a resident for a (kind, key) configuration. Building is
// expensive (model load), so it runs outside the pool's critical section.
type Builder func(ctx context.Context, kind Kind, key engine.Key) (Resident, error)

// Handle is the admission ticket. It grants exclusive use of one slot and
// its resident until Release, which must be called exactly once per
// acquisition on every exit path (Release is idempotent).
type Handle struct {
	Kind     Kind
	Key      engine.Key
	Resident Resident

	pool *Pool
	slot *slot
	once sync.Once
}

// Release returns the slot to the pool, keeping the resident cached for the
// next session with the same configuration.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.release(h.slot)
	})
}

type slot struct {
	id       int
	kind     Kind
	key      engine.Key
	resident Resident
}

// Pool bounds concurrent sessions. Without admission control, N concurrent
// sessions each spawning M workers would hold N×M resident models and
// exhaust device memory; slots cap the working set and waiters are served
// strictly FIFO.
type Pool struct {
	build Builder
	log   *slog.Logger

	mu      sync.Mutex
	free    []*slot
	waiters *list.List
	closed  bool
}

func NewPool(maxSessions int, build Builder, log *slog.Logger) *Pool {
	p := &Pool{
		build:   build,
		log:     log.With(slog.String("component", "admission")),
		waiters: list.New(),
	}
	for i := 0; i < maxSessions; i++ {
		p.free = append(p.free, &slot{id: i})
	}
	return p
}

// Acquire blocks until a slot is free or ctx expires. The returned handle's
// resident is reused when the slot last served the same (kind, key);
// otherwise the old resident is closed and a fresh one is built.
func (p *Pool) Acquire(ctx context.Context, kind Kind, key engine.Key) (*Handle, error) {
	s, err := p.takeSlot(ctx)
	if err != nil {
		return nil, err
	}

	if s.resident != nil && s.kind == kind && s.key == key {
		p.log.Debug("reusing cached engine",
			slog.Int("slot", s.id),
			slog.String("kind", string(kind)),
			slog.String("model_key", key.String()))
		return &Handle{Kind: kind, Key: key, Resident: s.resident, pool: p, slot: s}, nil
	}

	if s.resident != nil {
		if err := s.resident.Close(); err != nil {
			p.log.Warn("closing stale engine failed", slog.String("error", err.Error()))
		}
		s.resident = nil
	}

	resident, err := p.build(ctx, kind, key)
	if err != nil {
		p.release(s)
		return nil, fmt.Errorf("admission: build engine %s/%s: %w", kind, key, err)
	}
	s.kind = kind
	s.key = key
	s.resident = resident
	p.log.Info("engine loaded into slot",
		slog.Int("slot", s.id),
		slog.String("kind", string(kind)),
		slog.String("model_key", key.String()))

	return &Handle{Kind: kind, Key: key, Resident: resident, pool: p, slot: s}, nil
}

func (p *Pool) takeSlot(ctx context.Context) (*slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	// Serve the queue in arrival order even when a slot is free: a free slot
	// with waiters queued means we are racing a release handoff.
	if len(p.free) > 0 && p.waiters.Len() == 0 {
		s := p.free[0]
		p.free = p.free[1:]
		p.mu.Unlock()
		return s, nil
	}

	ch := make(chan *slot, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case s, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return s, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		// A release may have handed us a slot while we were timing out.
		select {
		case s, ok := <-ch:
			if ok {
				p.release(s)
			}
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrAdmissionTimeout
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeSlotLocked(s)
		return
	}
	if front := p.waiters.Front(); front != nil {
		ch := p.waiters.Remove(front).(chan *slot)
		ch <- s
		return
	}
	p.free = append(p.free, s)
}

// Close shuts the pool: queued waiters fail with ErrClosed and cached
// residents are closed. Slots currently held close their resident on release.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan *slot))
	}
	p.waiters.Init()
	for _, s := range p.free {
		p.closeSlotLocked(s)
	}
	p.free = nil
}

func (p *Pool) closeSlotLocked(s *slot) {
	if s.resident == nil {
		return
	}
	if err := s.resident.Close(); err != nil {
		p.log.Warn("closing engine failed", slog.String("error", err.Error()))
	}
	s.resident = nil
}
