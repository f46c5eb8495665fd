package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/executor"
	"github.com/agentrun/agentrun/pkg/store"
)

// workerStatus mirrors the teacher's idle/working states for a poll loop.
type workerStatus string

const (
	workerStatusIdle    workerStatus = "idle"
	workerStatusWorking workerStatus = "working"
)

// worker repeatedly claims one step at a time from db.Steps, dispatches it
// through the executor, and drives it to its next state. Grounded on
// pkg/queue/worker.go's run()/pollAndProcess() structure; the broker-based
// claim/ack there becomes a direct ClaimNext/Mark* call here.
type worker struct {
	id       string
	db       *store.DB
	dispatch *executor.Dispatcher
	cfg      *config.QueueConfig
	stepCfg  *config.StepConfig
	pool     *Pool

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	status        workerStatus
	currentStepID string
	stepsDone     int
	lastActivity  time.Time
}

func newWorker(id string, db *store.DB, dispatch *executor.Dispatcher, cfg *config.QueueConfig, stepCfg *config.StepConfig, pool *Pool) *worker {
	return &worker{
		id:           id,
		db:           db,
		dispatch:     dispatch,
		cfg:          cfg,
		stepCfg:      stepCfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       workerStatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *worker) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.pollAndProcess(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNoStepsClaimable) || errors.Is(err, ErrAtCapacity) {
				w.sleep(w.pollInterval())
				continue
			}
			slog.Error("queue: poll error", "worker", w.id, "error", err)
			w.sleep(w.cfg.ErrorBackoff)
			continue
		}
		if !claimed {
			w.sleep(w.pollInterval())
		}
	}
}

func (w *worker) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stopCh:
	}
}

// pollInterval returns the base poll duration jittered over
// [base-jitter, base+jitter], so a pool of idle workers doesn't wake in
// lockstep and hammer the claim query every tick.
func (w *worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jit := w.cfg.PollIntervalJitter
	if jit <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jit)))
	return base - jit + offset
}

// pollAndProcess claims one step and runs it to completion, returning
// whether a step was claimed at all. `llm`-type steps additionally wait for
// an outbound-call slot from the pool's LLM semaphore before dispatch.
func (w *worker) pollAndProcess(ctx context.Context) (bool, error) {
	step, err := w.db.Steps.ClaimNext(ctx, w.id, w.cfg.VisibilityTimeout)
	if err != nil {
		return false, err
	}

	w.setWorking(step.ID)
	defer w.setIdle()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, step.ID)

	run, err := w.db.Runs.Get(ctx, step.RunID)
	if err != nil {
		slog.Error("queue: load run for step", "step_id", step.ID, "run_id", step.RunID, "error", err)
		return true, nil
	}

	stepCtx, cancelStep := context.WithTimeout(ctx, w.stepCfg.DefaultTimeout)
	defer cancelStep()

	_ = w.db.Runs.SetCurrentStep(ctx, run.ID, step.StepName)

	if step.StepType == store.StepTypeLLM {
		if !w.pool.acquireLLMSlot(stepCtx, w.stopCh) {
			w.handleFailure(ctx, run, step, context.DeadlineExceeded)
			return true, nil
		}
		defer w.pool.releaseLLMSlot()
	}

	result, execErr := w.dispatch.Execute(stepCtx, run, step)
	if execErr != nil {
		w.handleFailure(ctx, run, step, execErr)
		return true, nil
	}

	if err := w.db.Steps.MarkSuccess(ctx, step.ID, result.Output, result.TokensUsed, result.CostUSD, time.Now().UTC()); err != nil {
		slog.Error("queue: mark step success", "step_id", step.ID, "error", err)
		return true, nil
	}
	if result.TokensUsed > 0 || result.CostUSD > 0 {
		if _, err := w.db.Runs.AddUsage(ctx, run.ID, result.TokensUsed, result.CostUSD); err != nil {
			slog.Error("queue: add run usage", "run_id", run.ID, "error", err)
		}
	}

	w.advance(ctx, run, step)

	w.mu.Lock()
	w.stepsDone++
	w.mu.Unlock()
	return true, nil
}

// advance builds and queues the next step in the Run's sequence, or
// completes the Run if the step that just succeeded was the last one.
// Only the first Step row is created up front by the control-plane writer
// (spec.md §4.5); every subsequent row is created here, on demand, from
// the Task's Definition — so steps within a Run become claimable strictly
// in order rather than all being visible to ClaimNext at once.
func (w *worker) advance(ctx context.Context, run *store.Run, step *store.Step) {
	current, err := w.db.Runs.Get(ctx, run.ID)
	if err != nil {
		slog.Error("queue: reload run before advance", "run_id", run.ID, "error", err)
		return
	}
	if store.IsTerminalRunStatus(current.Status) {
		// Run was cancelled/timed out/failed while this step was in
		// flight; the step's outcome is already recorded, but no successor
		// is enqueued once the Run is terminal (spec.md §5).
		return
	}

	task, err := w.db.Tasks.Get(ctx, run.TaskID)
	if err != nil {
		slog.Error("queue: load task for successor step", "run_id", run.ID, "error", err)
		return
	}
	specs, err := store.DecodeDefinition(task.Definition)
	if err != nil {
		slog.Error("queue: decode task definition", "run_id", run.ID, "error", err)
		return
	}

	if step.StepOrder >= len(specs) {
		if _, err := w.db.Runs.UpdateStatusCAS(ctx, run.ID, store.RunStatusCompleted, nil, time.Now().UTC()); err != nil {
			slog.Error("queue: complete run", "run_id", run.ID, "error", err)
		}
		return
	}

	next := specs[step.StepOrder] // specs is 0-indexed; step.StepOrder is the 1-based order just completed
	successor := &store.Step{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		StepName:    next.StepName,
		StepOrder:   step.StepOrder + 1,
		StepType:    next.StepType,
		Status:      store.StepStatusQueued,
		InputData:   next.StepConfig,
		MaxAttempts: task.MaxRetries + 1,
		VisibleAt:   time.Now().UTC(),
	}
	if err := w.db.Steps.Create(ctx, successor); err != nil {
		slog.Error("queue: create successor step", "run_id", run.ID, "error", err)
	}
}

// handleFailure classifies an executor error and either schedules a
// redelivery with backoff or terminates the step and dead-letters it.
// currentAttempt = step.AttemptNumber + 1 is the attempt that just ran:
// MarkRetrying itself increments attempt_number, so this must be computed
// from the pre-increment value held on step.
func (w *worker) handleFailure(ctx context.Context, run *store.Run, step *store.Step, execErr error) {
	var se *executor.StepError
	retryable := errors.As(execErr, &se)
	if retryable {
		retryable = se.Retryable
	} else {
		retryable = true
	}

	currentAttempt := step.AttemptNumber + 1
	errMsg := execErr.Error()

	if retryable && currentAttempt < step.MaxAttempts {
		backoff := retryBackoff(currentAttempt, w.stepCfg.RetryBaseSeconds, w.stepCfg.RetryMaxSeconds)
		nextVisible := time.Now().UTC().Add(backoff)
		if err := w.db.Steps.MarkRetrying(ctx, step.ID, errMsg, nextVisible); err != nil {
			slog.Error("queue: mark step retrying", "step_id", step.ID, "error", err)
			return
		}
		// Back to queued right away; visible_at holds it back until the backoff elapses.
		if err := w.db.Steps.ReleaseForRedelivery(ctx, step.ID); err != nil {
			slog.Error("queue: release step for redelivery", "step_id", step.ID, "error", err)
		}
		return
	}

	if err := w.db.Steps.MarkFailed(ctx, step.ID, errMsg, time.Now().UTC()); err != nil {
		slog.Error("queue: mark step failed", "step_id", step.ID, "error", err)
	}
	dl := &store.DeadLetter{
		ID:              uuid.NewString(),
		StepID:          step.ID,
		RunID:           step.RunID,
		Reason:          errMsg,
		OriginalAttempt: currentAttempt,
		Payload:         step.InputData,
	}
	if err := w.db.DeadLetters.Create(ctx, dl); err != nil {
		slog.Error("queue: create dead letter", "step_id", step.ID, "error", err)
	}

	msg := errMsg
	if _, err := w.db.Runs.UpdateStatusCAS(ctx, run.ID, store.RunStatusFailed, &msg, time.Now().UTC()); err != nil {
		slog.Error("queue: fail run", "run_id", run.ID, "error", err)
	}
}

// retryBackoff implements the exponential backoff with ceiling:
// min(retry_max, retry_base * 2^(attempt-1)) seconds.
func retryBackoff(attempt int, base, max float64) time.Duration {
	seconds := base * math.Pow(2, float64(attempt-1))
	if seconds > max {
		seconds = max
	}
	return time.Duration(seconds * float64(time.Second))
}

func (w *worker) runHeartbeat(ctx context.Context, stepID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.db.Steps.Heartbeat(ctx, stepID, w.id, w.cfg.VisibilityTimeout); err != nil {
				slog.Warn("queue: heartbeat failed", "step_id", stepID, "worker", w.id, "error", err)
			}
		}
	}
}

func (w *worker) setWorking(stepID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = workerStatusWorking
	w.currentStepID = stepID
	w.lastActivity = time.Now()
}

func (w *worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = workerStatusIdle
	w.currentStepID = ""
	w.lastActivity = time.Now()
}

func (w *worker) health() WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentStepID:  w.currentStepID,
		StepsProcessed: w.stepsDone,
		LastActivity:   w.lastActivity,
	}
}
