// Package scheduler turns graph-change events into background recompute
// tasks. Events coalesce per tenant inside a debounce window; a shared
// worker pool serves tenants first-come round-robin with at most one
// recompute in flight per tenant.
package scheduler

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/models"
)

// Runner executes one recompute. seeds nil means a full rescan of the
// tenant's graph. It returns the seeds a deadline left unfinished; the
// scheduler folds them into the tenant's next task.
type Runner interface {
	Recompute(ctx context.Context, tenantID string, seeds []string) (remaining []string, err error)
}

// Config sizes the scheduler.
type Config struct {
	// Workers is the global pool size. Default is the CPU count.
	Workers int
	// Debounce is the per-tenant coalescing window. Default 250ms.
	Debounce time.Duration
	// Deadline bounds one recompute. Default 2s.
	Deadline time.Duration
	// QueueCap bounds the pending seed set per tenant; beyond it the
	// queue collapses to a full rescan. Default 1024.
	QueueCap int
}

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultDeadline = 2 * time.Second
	DefaultQueueCap = 1024

	intakeBuffer = 4096
)

type queueState int

const (
	stateIdle queueState = iota
	statePending
	stateRunning
)

func (s queueState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateRunning:
		return "running"
	default:
		return "idle"
	}
}

type tenantQueue struct {
	state      queueState
	seeds      map[string]struct{}
	fullRescan bool
	readyAt    time.Time
}

// Scheduler is safe for concurrent use once Run has been started.
type Scheduler struct {
	cfg    Config
	runner Runner
	bus    *eventbus.Bus
	intake chan eventbus.Event

	mu     sync.Mutex
	queues map[string]*tenantQueue
	// ready holds pending tenants in arrival order; completed tenants
	// re-queue at the tail, which is what keeps one noisy tenant from
	// starving the rest.
	ready []string

	wakeCh chan struct{}

	tasksRun  atomic.Uint64
	panics    atomic.Uint64
	collapses atomic.Uint64
}

// New wires a scheduler to the bus. Call Run to start it.
func New(cfg Config, runner Runner, bus *eventbus.Bus) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		bus:    bus,
		intake: make(chan eventbus.Event, intakeBuffer),
		queues: make(map[string]*tenantQueue),
		wakeCh: make(chan struct{}, 1),
	}
}

// Run subscribes to graph changes and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.bus.Subscribe(models.TopicGraphChanged, s.intake)
	log.Printf("[scheduler] Starting (workers=%d debounce=%s deadline=%s)",
		s.cfg.Workers, s.cfg.Debounce, s.cfg.Deadline)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pump(ctx)
	}()
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Wait()
	log.Printf("[scheduler] Stopped")
}

func (s *Scheduler) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.intake:
			s.handleEvent(evt)
		}
	}
}

func (s *Scheduler) handleEvent(evt eventbus.Event) {
	gc, ok := evt.Payload.(models.GraphChanged)
	if !ok || evt.TenantID == "" {
		return
	}
	// A commit that moved no want-graph edges needs no recompute.
	if !gc.FullRescan && len(gc.Perturbed) == 0 {
		return
	}
	s.enqueue(evt.TenantID, gc.Perturbed, gc.FullRescan, s.cfg.Debounce)
}

// ScheduleRescan enqueues an immediate full rescan, bypassing the
// debounce window. Used after replay, purges, and integrity failures.
func (s *Scheduler) ScheduleRescan(tenantID string) {
	s.enqueue(tenantID, nil, true, 0)
}

func (s *Scheduler) enqueue(tenantID string, seeds []string, fullRescan bool, delay time.Duration) {
	s.mu.Lock()
	q := s.queues[tenantID]
	if q == nil {
		q = &tenantQueue{seeds: make(map[string]struct{})}
		s.queues[tenantID] = q
	}
	if fullRescan {
		q.fullRescan = true
		q.seeds = make(map[string]struct{})
	} else if !q.fullRescan {
		for _, w := range seeds {
			q.seeds[w] = struct{}{}
		}
		if len(q.seeds) > s.cfg.QueueCap {
			q.fullRescan = true
			q.seeds = make(map[string]struct{})
			s.collapses.Add(1)
			log.Printf("[scheduler] tenant %s: pending set over cap, collapsing to full rescan", tenantID)
		}
	}
	if q.state == stateIdle {
		q.state = statePending
		q.readyAt = time.Now().Add(delay)
		s.ready = append(s.ready, tenantID)
	} else if q.state == statePending && delay == 0 && q.readyAt.After(time.Now()) {
		q.readyAt = time.Now()
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		tenantID, seeds, ok, wait := s.claim()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wakeCh:
			case <-time.After(wait):
			}
			continue
		}
		s.runTask(ctx, tenantID, seeds)
		if ctx.Err() != nil {
			return
		}
	}
}

// claim pops the first due tenant and flips it to running, consuming its
// pending set. When nothing is due it reports how long until something is.
func (s *Scheduler) claim() (tenantID string, seeds []string, ok bool, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	wait = time.Second
	for i := 0; i < len(s.ready); i++ {
		t := s.ready[i]
		q := s.queues[t]
		if q == nil || q.state != statePending {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			i--
			continue
		}
		if d := q.readyAt.Sub(now); d > 0 {
			if d < wait {
				wait = d
			}
			continue
		}
		s.ready = append(s.ready[:i], s.ready[i+1:]...)
		q.state = stateRunning
		if !q.fullRescan {
			seeds = make([]string, 0, len(q.seeds))
			for w := range q.seeds {
				seeds = append(seeds, w)
			}
			sort.Strings(seeds)
		}
		q.seeds = make(map[string]struct{})
		q.fullRescan = false
		return t, seeds, true, 0
	}
	return "", nil, false, wait
}

func (s *Scheduler) runTask(ctx context.Context, tenantID string, seeds []string) {
	start := time.Now()
	remaining, err, panicked := s.safeRecompute(ctx, tenantID, seeds)
	s.tasksRun.Add(1)

	switch {
	case panicked:
		// Queue is drained below and replaced with one rescan.
	case err == nil:
	case errors.Is(err, models.ErrBudgetExhausted):
		log.Printf("[scheduler] tenant %s: recompute hit its budget after %s, %d seeds rescheduled",
			tenantID, time.Since(start).Round(time.Millisecond), len(remaining))
	default:
		log.Printf("[scheduler] tenant %s: recompute failed: %v", tenantID, err)
	}

	s.mu.Lock()
	q := s.queues[tenantID]
	if q == nil {
		s.mu.Unlock()
		return
	}
	if panicked {
		q.seeds = make(map[string]struct{})
		q.fullRescan = true
	} else if !q.fullRescan {
		for _, w := range remaining {
			q.seeds[w] = struct{}{}
		}
		if len(q.seeds) > s.cfg.QueueCap {
			q.fullRescan = true
			q.seeds = make(map[string]struct{})
			s.collapses.Add(1)
		}
	}
	if q.fullRescan || len(q.seeds) > 0 {
		q.state = statePending
		q.readyAt = time.Now().Add(s.cfg.Debounce)
		s.ready = append(s.ready, tenantID)
	} else {
		q.state = stateIdle
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) safeRecompute(ctx context.Context, tenantID string, seeds []string) (remaining []string, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			panicked = true
			remaining = nil
			log.Printf("[scheduler] tenant %s: recompute panic: %v", tenantID, r)
		}
	}()
	tctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()
	remaining, err = s.runner.Recompute(tctx, tenantID, seeds)
	return remaining, err, false
}

// QueueStats describes one tenant's queue for the status surface.
type QueueStats struct {
	State        string `json:"state"`
	PendingSeeds int    `json:"pending_seeds"`
	FullRescan   bool   `json:"full_rescan"`
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Tenants   map[string]QueueStats `json:"tenants"`
	TasksRun  uint64                `json:"tasks_run"`
	Panics    uint64                `json:"panics"`
	Collapses uint64                `json:"collapses"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tenants := make(map[string]QueueStats, len(s.queues))
	for id, q := range s.queues {
		tenants[id] = QueueStats{
			State:        q.state.String(),
			PendingSeeds: len(q.seeds),
			FullRescan:   q.fullRescan,
		}
	}
	s.mu.Unlock()
	return Stats{
		Tenants:   tenants,
		TasksRun:  s.tasksRun.Load(),
		Panics:    s.panics.Load(),
		Collapses: s.collapses.Load(),
	}
}
