package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/bus"
	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// spawnTimeout bounds one worker's model load.
const spawnTimeout = 5 * time.Minute

// Pool owns exactly one worker per requested device. The first dispatch is
// gated behind a readiness barrier so early units never observe cold-load
// latency, dead workers are respawned once per session, and Close drains
// everything.
type Pool struct {
	id      string
	key     engine.Key
	devices []int
	factory engine.Factory
	bus     *bus.Client
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[int]*Worker
	ready    map[int]bool
	respawns map[int]int

	eventSub *nats.Subscription
	fatal    chan error
}

func NewPool(parent context.Context, key engine.Key, devices []int, factory engine.Factory, busClient *bus.Client, log *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		id:       uuid.NewString(),
		key:      key,
		devices:  devices,
		factory:  factory,
		bus:      busClient,
		log:      log.With(slog.String("component", "worker_pool")),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[int]*Worker),
		ready:    make(map[int]bool),
		respawns: make(map[int]int),
		fatal:    make(chan error, 1),
	}
}

// ID scopes this pool's bus subjects.
func (p *Pool) ID() string { return p.id }

// Size is the worker count (one per device).
func (p *Pool) Size() int { return len(p.devices) }

// Bus exposes the connection for the scheduler's subscriptions.
func (p *Pool) Bus() *bus.Client { return p.bus }

// Fatal delivers the error that aborts a session: a worker that died twice.
func (p *Pool) Fatal() <-chan error { return p.fatal }

// Start spawns one worker per device and blocks until every worker reports
// ready, so the model loads are not interleaved with the first units. A
// worker that fails to spawn is retried once before the pool gives up.
func (p *Pool) Start(ctx context.Context) error {
	sub, err := p.bus.Conn().Subscribe(protocol.SubjectWorkers(p.id), p.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe worker events: %w", err)
	}
	p.eventSub = sub

	errs := make(chan error, len(p.devices))
	for i, device := range p.devices {
		i, device := i, device
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			errs <- p.spawn(i, device)
		}()
	}

	for range p.devices {
		select {
		case err := <-errs:
			if err != nil {
				p.Close()
				return err
			}
		case <-ctx.Done():
			p.Close()
			return fmt.Errorf("worker pool startup: %w", ctx.Err())
		}
	}
	p.log.Info("worker pool ready",
		slog.Int("workers", len(p.devices)),
		slog.String("model_key", p.key.String()))
	return nil
}

// spawn builds and starts one worker, retrying the model load once.
func (p *Pool) spawn(id, device int) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		eng, err := p.factory(p.key, device)
		if err != nil {
			lastErr = err
			continue
		}
		w := newWorker(p.ctx, id, device, eng, p.bus, p.id, p.log)

		done := make(chan error, 1)
		go func() { done <- w.start() }()
		select {
		case err = <-done:
		case <-time.After(spawnTimeout):
			err = fmt.Errorf("worker %d spawn timed out", id)
		}
		if err != nil {
			lastErr = err
			p.log.Warn("worker spawn failed",
				slog.Int("worker_id", id),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		p.mu.Lock()
		p.workers[id] = w
		p.ready[id] = true
		p.mu.Unlock()
		return nil
	}
	return &engine.SpawnError{Key: p.key, DeviceID: device, Err: lastErr}
}

// handleEvent supervises worker lifecycle: one respawn per worker, then the
// session fails.
func (p *Pool) handleEvent(msg *nats.Msg) {
	var evt protocol.WorkerEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		p.log.Warn("failed to decode worker event", slog.String("error", err.Error()))
		return
	}
	if evt.State != protocol.WorkerDead {
		return
	}

	p.mu.Lock()
	p.ready[evt.WorkerID] = false
	respawns := p.respawns[evt.WorkerID]
	p.respawns[evt.WorkerID] = respawns + 1
	p.mu.Unlock()

	if respawns >= 1 {
		err := fmt.Errorf("worker %d on device %d died twice: %s", evt.WorkerID, evt.DeviceID, evt.Error)
		select {
		case p.fatal <- err:
		default:
		}
		return
	}

	p.log.Warn("respawning dead worker",
		slog.Int("worker_id", evt.WorkerID),
		slog.Int("device_id", evt.DeviceID),
		slog.String("error", evt.Error))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.spawn(evt.WorkerID, evt.DeviceID); err != nil {
			select {
			case p.fatal <- err:
			default:
			}
		}
	}()
}

// BeginSession resets the respawn budget: dead workers are restarted once
// per session, not once per pool lifetime.
func (p *Pool) BeginSession() {
	p.mu.Lock()
	p.respawns = make(map[int]int)
	p.mu.Unlock()
	select {
	case <-p.fatal:
	default:
	}
}

// ReadyWorkers snapshots the ids currently able to accept a unit.
func (p *Pool) ReadyWorkers() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.ready))
	for id, ok := range p.ready {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close drains every worker and the supervisor subscription. Implements the
// admission pool's Resident so parallel engines cache across sessions.
func (p *Pool) Close() error {
	p.cancel()
	if p.eventSub != nil {
		_ = p.eventSub.Drain()
		p.eventSub = nil
	}
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*Worker)
	p.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	p.wg.Wait()
	return nil
}
