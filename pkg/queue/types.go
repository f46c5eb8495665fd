// Package queue implements the orchestrator worker pool from spec.md
// §4.1: C concurrent step executions per process, claiming steps from the
// Postgres-backed queue (pkg/store.StepRepo), running them through a
// StepExecutor, and driving each to a terminal status.
//
// There is no message broker in this pack's dependency surface, so the
// queue is modeled the way the teacher models its own session queue:
// `SELECT ... FOR UPDATE SKIP LOCKED` claims on a status column, with
// redelivery driven by a visibility deadline rather than broker ack/nack.
// Grounded on pkg/queue/{types,pool,worker,orphan}.go.
package queue

import (
	"errors"
	"time"
)

// ErrAtCapacity indicates the process-wide concurrent step limit has been
// reached; the caller should back off and retry the poll.
var ErrAtCapacity = errors.New("queue: at capacity")

// PoolHealth reports the worker pool's aggregate state for GET /health.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	WorkerID         string         `json:"worker_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth reports one worker goroutine's state.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentStepID  string    `json:"current_step_id,omitempty"`
	StepsProcessed int       `json:"steps_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
