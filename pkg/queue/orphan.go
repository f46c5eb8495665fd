package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/store"
)

// orphanState tracks the orphan sweep's last run for health reporting.
// Grounded on pkg/queue/orphan.go's orphanState.
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanDetection periodically scans for steps whose claiming worker
// stopped heartbeating (visible_at passed while still running) and
// releases them back to the queue or fails them outright if attempts are
// exhausted. Grounded on pkg/queue/orphan.go's runOrphanDetection.
func runOrphanDetection(ctx context.Context, p *Pool) {
	ticker := time.NewTicker(p.cfg.OrphanDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := detectAndRecoverOrphans(ctx, p.db, p.stepCfg)
			if err != nil {
				slog.Error("queue: orphan sweep failed", "error", err)
				continue
			}
			p.orphans.mu.Lock()
			p.orphans.lastScan = time.Now().UTC()
			p.orphans.recovered += n
			p.orphans.mu.Unlock()
		}
	}
}

// detectAndRecoverOrphans finds steps stuck running past their visibility
// deadline and recovers each: redelivered with backoff if attempts remain,
// otherwise failed and dead-lettered exactly like a normal exhausted
// retry. Returns the count recovered.
func detectAndRecoverOrphans(ctx context.Context, db *store.DB, stepCfg *config.StepConfig) (int, error) {
	orphaned, err := db.Steps.ListOrphaned(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, step := range orphaned {
		currentAttempt := step.AttemptNumber + 1
		if currentAttempt < step.MaxAttempts {
			backoff := retryBackoff(currentAttempt, stepCfg.RetryBaseSeconds, stepCfg.RetryMaxSeconds)
			if err := db.Steps.RecoverOrphan(ctx, step.ID, time.Now().UTC().Add(backoff)); err != nil {
				slog.Error("queue: recover orphan step", "step_id", step.ID, "error", err)
				continue
			}
			recovered++
			continue
		}

		if err := db.Steps.MarkFailed(ctx, step.ID, "orphaned: worker heartbeat lost and attempts exhausted", time.Now().UTC()); err != nil {
			slog.Error("queue: mark orphan step failed", "step_id", step.ID, "error", err)
			continue
		}
		dl := &store.DeadLetter{
			ID:              uuid.NewString(),
			StepID:          step.ID,
			RunID:           step.RunID,
			Reason:          "orphaned: worker heartbeat lost and attempts exhausted",
			OriginalAttempt: currentAttempt,
			Payload:         step.InputData,
		}
		if err := db.DeadLetters.Create(ctx, dl); err != nil {
			slog.Error("queue: create dead letter for orphan", "step_id", step.ID, "error", err)
		}
		msg := dl.Reason
		if _, err := db.Runs.UpdateStatusCAS(ctx, step.RunID, store.RunStatusFailed, &msg, time.Now().UTC()); err != nil {
			slog.Error("queue: fail run for orphan step", "run_id", step.RunID, "error", err)
		}
		recovered++
	}
	return recovered, nil
}

// CleanupStartupOrphans recovers steps left running by a crashed prior
// process before the pool starts claiming new work. Grounded on
// pkg/queue/orphan.go's CleanupStartupOrphans, which performs the
// equivalent one-time pass scoped to the current pod's own prior claims.
// This implementation folds into the same ListOrphaned query used by the
// periodic sweep, since both rely on visible_at rather than a pod-id
// column to detect staleness: a step still "running" with a past
// visible_at is unowned in practice regardless of which process claimed it.
func CleanupStartupOrphans(ctx context.Context, db *store.DB, stepCfg *config.StepConfig) error {
	_, err := detectAndRecoverOrphans(ctx, db, stepCfg)
	return err
}
