package controlplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/store"
)

// TimeoutMonitor periodically sweeps running Runs and transitions any that
// have exceeded their Task's timeout_seconds to status=timeout (spec.md
// §5: "Run timeout is monitored by the writer"). Grounded on the
// orphan-sweep structure in pkg/queue/orphan.go: a ticker-driven
// background loop over a small, bounded scan.
type TimeoutMonitor struct {
	db  *store.DB
	cfg *config.ControlPlaneConfig
}

// NewTimeoutMonitor builds a TimeoutMonitor.
func NewTimeoutMonitor(db *store.DB, cfg *config.ControlPlaneConfig) *TimeoutMonitor {
	return &TimeoutMonitor{db: db, cfg: cfg}
}

// Run blocks, sweeping at cfg.MonitorInterval, until ctx is cancelled.
func (m *TimeoutMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				slog.Error("controlplane: timeout sweep failed", "error", err)
			}
		}
	}
}

// sweep lists every currently-running Run (cutoff=now catches all of
// them, since started_at is always in the past), then filters each
// candidate against its own Task.TimeoutSeconds — Tasks have
// heterogeneous timeouts, so there is no single useful cutoff to push
// into the query itself.
func (m *TimeoutMonitor) sweep(ctx context.Context) error {
	now := time.Now().UTC()
	candidates, err := m.db.Runs.ListRunningOlderThan(ctx, now)
	if err != nil {
		return err
	}

	for _, run := range candidates {
		if run.StartedAt == nil {
			continue
		}
		task, err := m.db.Tasks.Get(ctx, run.TaskID)
		if err != nil {
			slog.Error("controlplane: load task for timeout check", "run_id", run.ID, "error", err)
			continue
		}
		deadline := run.StartedAt.Add(time.Duration(task.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}
		msg := "run exceeded task timeout_seconds"
		if _, err := m.db.Runs.UpdateStatusCAS(ctx, run.ID, store.RunStatusTimeout, &msg, now); err != nil {
			slog.Error("controlplane: timeout run", "run_id", run.ID, "error", err)
		}
	}
	return nil
}
