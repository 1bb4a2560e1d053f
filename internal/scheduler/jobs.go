/**
 * @description
 * Scheduled job implementations. Each job recovers state the request path could not
 * settle: orders left pending or processing, transfers awaiting a final gateway
 * status, and the weekly profit buckets admins withdraw from.
 */
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/app"
)

const jobTimeout = 4 * time.Minute

// Service is the subset of the application service the jobs drive.
type Service interface {
	ReconcileStaleOrders(ctx context.Context) (app.ReconcileSummary, error)
	PollProcessingWithdrawals(ctx context.Context) (int, error)
	RefreshWeeklyProfits(ctx context.Context) error
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc    Service
	logger *zap.Logger

	// running guards against overlapping runs of the same job.
	running sync.Map
}

// NewJobs creates a new Jobs runner.
func NewJobs(svc Service, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{svc: svc, logger: logger}
}

func (j *Jobs) acquire(name string) bool {
	_, busy := j.running.LoadOrStore(name, struct{}{})
	if busy {
		j.logger.Warn("previous run still in progress; skipping", zap.String("job", name))
	}
	return !busy
}

func (j *Jobs) release(name string) { j.running.Delete(name) }

// ReconcileOrders settles orders stuck in pending or processing.
func (j *Jobs) ReconcileOrders() {
	const name = "reconcile_orders"
	if !j.acquire(name) {
		return
	}
	defer j.release(name)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.svc.ReconcileStaleOrders(ctx)
	if err != nil {
		j.logger.Error("order reconciliation job failed", zap.Error(err))
		return
	}
	if summary.Checked == 0 {
		j.logger.Debug("no stale orders to reconcile")
		return
	}
	j.logger.Info("order reconciliation job finished",
		zap.Int("checked", summary.Checked),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", summary.Pending),
	)
}

// PollWithdrawals checks processing transfers with the gateway.
func (j *Jobs) PollWithdrawals() {
	const name = "poll_withdrawals"
	if !j.acquire(name) {
		return
	}
	defer j.release(name)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	settled, err := j.svc.PollProcessingWithdrawals(ctx)
	if err != nil {
		j.logger.Error("withdrawal poll job failed", zap.Error(err))
		return
	}
	if settled > 0 {
		j.logger.Info("withdrawal poll job settled transfers", zap.Int("settled", settled))
	}
}

// RefreshWeeklyProfits recomputes the weekly profit buckets.
func (j *Jobs) RefreshWeeklyProfits() {
	const name = "refresh_weekly_profits"
	if !j.acquire(name) {
		return
	}
	defer j.release(name)

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	j.logger.Info("starting weekly profit refresh job")
	if err := j.svc.RefreshWeeklyProfits(ctx); err != nil {
		j.logger.Error("weekly profit refresh job failed", zap.Error(err))
		return
	}
	j.logger.Info("weekly profit refresh job finished")
}
