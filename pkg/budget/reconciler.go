package budget

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentrun/agentrun/pkg/store"
)

// Reconciler periodically flushes each tenant's fast-store usage counter
// into the relational tenants.token_used_current_month column, and resets
// both on a calendar-month (UTC) boundary. It runs as a single background
// goroutine per gateway process; independent reconcilers across replicas
// race harmlessly because the flush-then-zero step is atomic per tenant
// (GETSET), so double-counting cannot occur even if two replicas flush
// the same tenant moments apart.
type Reconciler struct {
	redis    *redis.Client
	tenants  *store.TenantRepo
	enforcer *Enforcer
	interval time.Duration

	lastMonth time.Month
	lastYear  int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a Reconciler. Call Start to begin the background loop.
func NewReconciler(redisClient *redis.Client, tenants *store.TenantRepo, enforcer *Enforcer, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	now := time.Now().UTC()
	return &Reconciler{
		redis:     redisClient,
		tenants:   tenants,
		enforcer:  enforcer,
		interval:  interval,
		lastMonth: now.Month(),
		lastYear:  now.Year(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the periodic reconciliation loop. It returns immediately;
// call Stop to shut it down.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop blocks until the current reconciliation cycle finishes.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce flushes every active tenant's counter into the relational
// store, then checks for a month boundary.
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	tenants, err := r.tenants.ListActive(ctx)
	if err != nil {
		slog.Error("Budget reconciler failed to list tenants", "error", err)
		return
	}

	now := time.Now().UTC()
	monthBoundary := now.Month() != r.lastMonth || now.Year() != r.lastYear

	for _, tenant := range tenants {
		if err := r.flushTenant(ctx, tenant.ID); err != nil {
			slog.Error("Budget reconciler failed to flush tenant", "tenant_id", tenant.ID, "error", err)
			continue
		}
		if monthBoundary {
			if err := r.tenants.ResetMonthly(ctx, tenant.ID); err != nil {
				slog.Error("Budget reconciler failed to reset monthly usage", "tenant_id", tenant.ID, "error", err)
				continue
			}
			if err := r.enforcer.InvalidateCache(ctx, tenant.ID); err != nil {
				slog.Error("Budget reconciler failed to invalidate cache", "tenant_id", tenant.ID, "error", err)
			}
		}
	}

	if monthBoundary {
		slog.Info("Budget reconciler completed monthly reset", "month", now.Month(), "year", now.Year())
		r.lastMonth = now.Month()
		r.lastYear = now.Year()
	}
}

// flushTenant atomically reads-and-zeros one tenant's counter (GETSET),
// then adds whatever it read to the relational row. Reconciling twice in
// a row when nothing accrued in between is a no-op: the second GETSET
// reads back 0 and AddTokensUsed short-circuits on delta==0.
func (r *Reconciler) flushTenant(ctx context.Context, tenantID string) error {
	key := counterKey(tenantID)
	delta, err := r.redis.GetSet(ctx, key, 0).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if delta == 0 {
		return nil
	}
	if err := r.tenants.AddTokensUsed(ctx, tenantID, delta); err != nil {
		// Put the delta back so the next cycle retries the flush instead of
		// silently losing usage.
		if incrErr := r.redis.IncrBy(ctx, key, delta).Err(); incrErr != nil {
			slog.Error("Budget reconciler failed to restore counter after store error", "tenant_id", tenantID, "error", incrErr)
		}
		return err
	}
	return r.enforcer.InvalidateCache(ctx, tenantID)
}
