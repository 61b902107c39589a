// Package pool maintains the warm pool of single-use workers. All pool
// state lives in one goroutine and is mutated only through the ops
// channel, so there is no lock ordering to reason about: acquires,
// releases, watch events and replenishment all serialize through the
// same loop.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/events"
	"github.com/kiln-sh/kiln/pkg/log"
	"github.com/kiln-sh/kiln/pkg/metrics"
	"github.com/kiln-sh/kiln/pkg/orchestrator"
	"github.com/kiln-sh/kiln/pkg/types"
)

const (
	gcInterval        = 30 * time.Second
	replenishInterval = 15 * time.Second
	spawnAttempts     = 3
	spawnBaseWait     = 2 * time.Second
)

// Config holds the pool's tunables.
type Config struct {
	// TargetLength is the number of ready-or-provisioning workers the
	// pool keeps warm.
	TargetLength int

	// NamePrefix namespaces this pool's workers in the orchestrator.
	NamePrefix string

	// WorkerSpec is the container spec for every worker.
	WorkerSpec orchestrator.WorkerSpec

	// ProvisionTimeout bounds how long a worker may sit in Provisioning
	// before the GC force-deletes it.
	ProvisionTimeout time.Duration

	// AcquireTimeout bounds how long Acquire waits for a ready worker
	// when the caller's context carries no earlier deadline.
	AcquireTimeout time.Duration
}

type waiter struct {
	reply chan string // buffered, len 1
	since time.Time
}

// Pool is the warm pool manager.
type Pool struct {
	client orchestrator.Client
	cfg    Config
	broker *events.Broker // may be nil
	logger zerolog.Logger

	ops  chan func()
	done chan struct{}
	wg   sync.WaitGroup

	// Owned by the run goroutine.
	workers map[string]*types.Worker
	ready   []string
	waiters []*waiter

	now func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithEventBroker publishes worker lifecycle events to the given broker.
func WithEventBroker(b *events.Broker) Option {
	return func(p *Pool) { p.broker = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool. Start must be called before Acquire.
func New(client orchestrator.Client, cfg Config, opts ...Option) *Pool {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 90 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}
	p := &Pool{
		client:  client,
		cfg:     cfg,
		logger:  log.WithComponent("pool"),
		ops:     make(chan func(), 128),
		done:    make(chan struct{}),
		workers: make(map[string]*types.Worker),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the state loop, the watch consumer and the periodic
// replenish/GC tickers. It returns once the loop is running; the pool
// stops when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.run(ctx)
	go p.consumeWatch(ctx)
	p.do(func() { p.replenish(ctx) })
}

// Stop waits for the pool's goroutines to exit. Call after cancelling
// the Start context.
func (p *Pool) Stop() {
	p.wg.Wait()
}

// do posts fn to the state loop and does not wait for it.
func (p *Pool) do(fn func()) {
	select {
	case p.ops <- fn:
	case <-p.done:
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.done)

	replenish := time.NewTicker(replenishInterval)
	defer replenish.Stop()
	gc := time.NewTicker(gcInterval)
	defer gc.Stop()

	for {
		select {
		case fn := <-p.ops:
			fn()
		case <-replenish.C:
			p.replenish(ctx)
		case <-gc.C:
			p.collectStuck(ctx)
		case <-ctx.Done():
			p.failAllWaiters()
			return
		}
	}
}

// Acquire hands out a ready worker, blocking until one becomes available.
// Waiters are served strictly in arrival order. When ctx (or the pool's
// acquire timeout) expires first, it returns KindUnavailable.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	w := &waiter{reply: make(chan string, 1), since: p.now()}
	p.do(func() {
		if name, ok := p.popReady(); ok {
			p.assign(name)
			w.reply <- name
			p.replenish(context.Background())
			return
		}
		p.waiters = append(p.waiters, w)
		metrics.PoolWaiters.Set(float64(len(p.waiters)))
		p.replenish(context.Background())
	})

	select {
	case name := <-w.reply:
		timer.ObserveDuration(metrics.PoolAcquireDuration)
		return name, nil

	case <-ctx.Done():
		// Unregister; if a worker was delivered concurrently, put it back.
		p.do(func() {
			p.removeWaiter(w)
			select {
			case name := <-w.reply:
				p.unassign(name)
			default:
			}
		})
		return "", errdef.New(errdef.KindUnavailable, "no worker became available in time")

	case <-p.done:
		return "", errdef.New(errdef.KindUnavailable, "pool is shutting down")
	}
}

// Release returns a worker after use. Workers are single-use: the
// container is destroyed regardless of how the execution went, and the
// pool replenishes to target.
func (p *Pool) Release(name string) {
	p.do(func() {
		p.destroy(name)
		p.replenish(context.Background())
	})
}

// Snapshot returns per-state worker counts and the waiter queue length,
// for health reporting.
func (p *Pool) Snapshot() (counts map[types.WorkerState]int, waiting int) {
	reply := make(chan struct{})
	counts = make(map[types.WorkerState]int)
	p.do(func() {
		for _, w := range p.workers {
			counts[w.State]++
		}
		waiting = len(p.waiters)
		close(reply)
	})
	select {
	case <-reply:
	case <-p.done:
	}
	return counts, waiting
}

// ---- state loop internals (run goroutine only) ----

func (p *Pool) popReady() (string, bool) {
	for len(p.ready) > 0 {
		name := p.ready[0]
		p.ready = p.ready[1:]
		if w, ok := p.workers[name]; ok && w.State == types.StateReady {
			return name, true
		}
	}
	return "", false
}

func (p *Pool) assign(name string) {
	if w, ok := p.workers[name]; ok {
		w.State = types.StateAssigned
		p.publish(events.EventWorkerAssigned, name)
		p.updateGauges()
	}
}

// unassign puts an acquired-but-never-delivered worker back at the head
// of the ready queue.
func (p *Pool) unassign(name string) {
	if w, ok := p.workers[name]; ok && w.State == types.StateAssigned {
		w.State = types.StateReady
		p.ready = append([]string{name}, p.ready...)
		p.serveWaiters()
		p.updateGauges()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	metrics.PoolWaiters.Set(float64(len(p.waiters)))
}

func (p *Pool) failAllWaiters() {
	p.waiters = nil
	metrics.PoolWaiters.Set(0)
}

// serveWaiters pairs ready workers with queued waiters, oldest first.
func (p *Pool) serveWaiters() {
	for len(p.waiters) > 0 {
		name, ok := p.popReady()
		if !ok {
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.assign(name)
		w.reply <- name
	}
	metrics.PoolWaiters.Set(float64(len(p.waiters)))
}

// replenish tops the pool up to the configured target. Assigned workers
// do not count toward the target: they are already spoken for.
func (p *Pool) replenish(ctx context.Context) {
	pending := 0
	for _, w := range p.workers {
		switch w.State {
		case types.StateProvisioning, types.StateReady:
			pending++
		}
	}
	deficit := p.cfg.TargetLength - pending
	if deficit <= 0 {
		return
	}

	p.logger.Debug().Int("deficit", deficit).Int("pending", pending).Msg("replenishing pool")
	for i := 0; i < deficit; i++ {
		name := orchestrator.RandomName(p.cfg.NamePrefix)
		p.workers[name] = &types.Worker{
			Name:      name,
			State:     types.StateProvisioning,
			Phase:     types.PhasePending,
			CreatedAt: p.now(),
		}
		p.publish(events.EventWorkerProvisioning, name)
		go p.spawn(name)
	}
	p.updateGauges()
}

// spawn creates the worker container, retrying transient failures. Runs
// outside the state loop; results are posted back as ops.
func (p *Pool) spawn(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProvisionTimeout)
	defer cancel()

	var err error
	cleanup := true
	wait := spawnBaseWait
	for attempt := 0; attempt < spawnAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			wait *= 2
		}
		if err = p.client.CreateWorker(ctx, name, p.cfg.WorkerSpec); err == nil {
			metrics.WorkersSpawned.Inc()
			return // readiness arrives via the watch stream
		}
		if orchestrator.IsNameConflict(err) {
			// The name belongs to a container this pool did not create.
			// Retrying the same name cannot succeed and the container is
			// not ours to delete; replenish mints a fresh name.
			p.logger.Warn().Err(err).Str("worker", name).Msg("worker name already in use")
			cleanup = false
			break
		}
		p.logger.Warn().Err(err).Str("worker", name).Int("attempt", attempt+1).Msg("failed to spawn worker")
	}

	// Give up: clean up any half-created container and forget the slot.
	if cleanup {
		_ = p.client.DeleteWorker(ctx, name)
	}
	p.do(func() {
		delete(p.workers, name)
		p.updateGauges()
		p.replenish(context.Background())
	})
}

// destroy transitions a worker to Terminating and deletes its container
// asynchronously. Gone is recorded when the watch confirms deletion.
func (p *Pool) destroy(name string) {
	w, ok := p.workers[name]
	if !ok || w.State == types.StateTerminating {
		return
	}
	w.State = types.StateTerminating
	p.updateGauges()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := p.client.DeleteWorker(ctx, name); err != nil {
			p.logger.Warn().Err(err).Str("worker", name).Msg("failed to delete worker")
		}
		metrics.WorkersDestroyed.Inc()
	}()
}

// collectStuck force-deletes workers that sat in Provisioning past the
// timeout, typically image pulls that will never finish.
func (p *Pool) collectStuck(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.ProvisionTimeout)
	for name, w := range p.workers {
		if w.State == types.StateProvisioning && w.CreatedAt.Before(cutoff) {
			p.logger.Warn().Str("worker", name).Time("created_at", w.CreatedAt).Msg("reaping stuck worker")
			p.destroy(name)
		}
	}
	p.replenish(ctx)
}

// handleEvent folds one orchestrator transition into pool state.
func (p *Pool) handleEvent(ev types.WorkerEvent) {
	w, known := p.workers[ev.Name]

	switch {
	case ev.Phase == types.PhaseGone:
		if known {
			delete(p.workers, ev.Name)
			p.publish(events.EventWorkerGone, ev.Name)
			p.updateGauges()
			p.replenish(context.Background())
		}

	case ev.Phase == types.PhaseStopped:
		// Single-use workers never come back from stopped.
		if known && w.State != types.StateTerminating {
			p.destroy(ev.Name)
			p.replenish(context.Background())
		} else if !known {
			// Leftover from a previous run, observed via re-list.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				_ = p.client.DeleteWorker(ctx, ev.Name)
			}()
		}

	case ev.Ready:
		if !known {
			// Re-list adoption: a running worker we have no record of
			// (pool restart) joins the ready queue.
			p.workers[ev.Name] = &types.Worker{
				Name:      ev.Name,
				State:     types.StateReady,
				Phase:     ev.Phase,
				CreatedAt: p.now(),
			}
			p.ready = append(p.ready, ev.Name)
			p.publish(events.EventWorkerReady, ev.Name)
			p.serveWaiters()
			p.updateGauges()
			return
		}
		w.Phase = ev.Phase
		if w.State == types.StateProvisioning {
			w.State = types.StateReady
			p.ready = append(p.ready, ev.Name)
			p.publish(events.EventWorkerReady, ev.Name)
			p.serveWaiters()
			p.updateGauges()
		}

	default:
		if known {
			w.Phase = ev.Phase
		}
	}
}

func (p *Pool) consumeWatch(ctx context.Context) {
	defer p.wg.Done()
	for ev := range p.client.WatchWorkers(ctx, p.cfg.NamePrefix) {
		ev := ev
		p.do(func() { p.handleEvent(ev) })
	}
}

func (p *Pool) updateGauges() {
	counts := map[types.WorkerState]int{
		types.StateProvisioning: 0,
		types.StateReady:        0,
		types.StateAssigned:     0,
		types.StateTerminating:  0,
	}
	for _, w := range p.workers {
		counts[w.State]++
	}
	for state, n := range counts {
		metrics.PoolWorkers.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (p *Pool) publish(t events.EventType, worker string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{
		Type:     t,
		Metadata: map[string]string{"worker": worker},
	})
}
