package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/executor"
	"github.com/agentrun/agentrun/pkg/store"
)

// Pool is the orchestrator's worker pool: config.QueueConfig.WorkerCount
// goroutines each independently polling db.Steps for claimable work. A
// separate semaphore sized to MaxConcurrentLLMCalls bounds only the
// outbound calls `llm`-type steps make to the gateway (spec.md §9), so a
// slow or saturated provider throttles LLM dispatch without blocking
// tool/decision steps from claiming and running on the same workers.
// Grounded on pkg/queue/pool.go's WorkerPool.
type Pool struct {
	workerID string
	db       *store.DB
	dispatch *executor.Dispatcher
	cfg      *config.QueueConfig
	stepCfg  *config.StepConfig

	llmSlots chan struct{}

	workers []*worker
	mu      sync.Mutex
	started bool

	orphans orphanState
}

// NewPool builds a Pool. workerID (typically hostname+pid) prefixes the
// per-worker ids written to step locked_by columns; orphan detection goes
// by visible_at and does not consult the owner.
func NewPool(workerID string, db *store.DB, dispatch *executor.Dispatcher, cfg *config.QueueConfig, stepCfg *config.StepConfig) *Pool {
	n := cfg.MaxConcurrentLLMCalls
	if n <= 0 {
		n = 10
	}
	return &Pool{
		workerID: workerID,
		db:       db,
		dispatch: dispatch,
		cfg:      cfg,
		stepCfg:  stepCfg,
		llmSlots: make(chan struct{}, n),
	}
}

// Start spawns WorkerCount poll loops plus the orphan-detection sweep.
// Idempotent: a second Start on an already-started Pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	if err := CleanupStartupOrphans(ctx, p.db, p.stepCfg); err != nil {
		slog.Error("queue: startup orphan cleanup failed", "error", err)
	}

	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := workerIDFor(p.workerID, i)
		w := newWorker(id, p.db, p.dispatch, p.cfg, p.stepCfg, p)
		p.workers = append(p.workers, w)
		w.start(ctx)
	}

	go runOrphanDetection(ctx, p)
}

// Stop signals every worker to finish its current step and exit, and
// waits up to GracefulShutdownTimeout for them to do so.
func (p *Pool) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout):
	}
}

// acquireLLMSlot blocks until an outbound-LLM-call slot is free or ctx/stop
// fires. Only called around `llm`-type step dispatch; tool/decision/parallel
// steps never contend for it.
func (p *Pool) acquireLLMSlot(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case p.llmSlots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	}
}

func (p *Pool) releaseLLMSlot() {
	<-p.llmSlots
}

// Health reports the pool's aggregate state for the orchestrator process's
// /health endpoint.
func (p *Pool) Health(ctx context.Context) PoolHealth {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	h := PoolHealth{
		MaxConcurrent: cap(p.llmSlots),
		TotalWorkers:  len(workers),
		WorkerID:      p.workerID,
	}

	if err := p.db.Conn().PingContext(ctx); err != nil {
		h.DBReachable = false
		h.DBError = err.Error()
	} else {
		h.DBReachable = true
	}

	if depth, err := p.db.Steps.CountByStatus(ctx, store.StepStatusQueued); err != nil {
		slog.Warn("queue: queue depth query failed", "error", err)
	} else {
		h.QueueDepth = depth
	}

	active := 0
	for _, w := range workers {
		wh := w.health()
		h.WorkerStats = append(h.WorkerStats, wh)
		if wh.Status == string(workerStatusWorking) {
			active++
		}
	}
	h.ActiveWorkers = active

	p.orphans.mu.Lock()
	h.LastOrphanScan = p.orphans.lastScan
	h.OrphansRecovered = p.orphans.recovered
	p.orphans.mu.Unlock()

	h.IsHealthy = h.DBReachable
	return h
}

func workerIDFor(base string, i int) string {
	return base + "-" + strconv.Itoa(i)
}
