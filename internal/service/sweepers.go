package service

import (
	"context"

	"go.uber.org/zap"

	"arbiter/internal/config"
	cronrunner "arbiter/internal/cron"
)

type LockSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type OrderSweeper interface {
	RetryDue(ctx context.Context) (int, error)
	ExpireApprovals(ctx context.Context) (int, error)
	ExpireAcks(ctx context.Context) (int, error)
}

// Sweepers runs the periodic recovery jobs. Each job checks its feature
// switch on every tick so operators can pause it without a restart.
type Sweepers struct {
	Ledger LockSweeper
	Orders OrderSweeper
	Flags  *SystemSettingsService
	Logger *zap.Logger
	// Audit receives one entry per failed sweep. Optional.
	Audit AuditSink
}

type AuditSink interface {
	LogBestEffort(action, level string, details map[string]any)
}

type sweepJob struct {
	name    string
	spec    string
	feature string
	run     func(ctx context.Context) (int, error)
}

func (s *Sweepers) jobs(cfg config.CronConfig) []sweepJob {
	var out []sweepJob
	if s.Ledger != nil {
		out = append(out, sweepJob{"lock_sweep", cfg.LockSweep, FeatureLockSweeper, s.Ledger.SweepExpired})
	}
	if s.Orders != nil {
		out = append(out,
			sweepJob{"retry_sweep", cfg.RetrySweep, FeatureRetryScheduler, s.Orders.RetryDue},
			sweepJob{"approval_sweep", cfg.ApprovalSweep, FeatureApprovalTimeout, s.Orders.ExpireApprovals},
			sweepJob{"ack_sweep", cfg.AckSweep, FeatureAckTimeout, s.Orders.ExpireAcks},
		)
	}
	return out
}

// Register schedules every sweeper that has a spec.
func (s *Sweepers) Register(r *cronrunner.Runner, cfg config.CronConfig) error {
	for _, job := range s.jobs(cfg) {
		if _, err := r.Add(job.name, job.spec, func(ctx context.Context) error {
			_, err := s.runJob(ctx, job)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce executes every enabled sweeper once and returns the per-job counts.
func (s *Sweepers) RunOnce(ctx context.Context, cfg config.CronConfig) map[string]int {
	out := map[string]int{}
	for _, job := range s.jobs(cfg) {
		n, err := s.runJob(ctx, job)
		if err != nil {
			continue
		}
		out[job.name] = n
	}
	return out
}

func (s *Sweepers) runJob(ctx context.Context, job sweepJob) (int, error) {
	if !s.Flags.IsEnabled(ctx, job.feature, true) {
		return 0, nil
	}
	n, err := job.run(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("sweep failed", zap.String("job", job.name), zap.Error(err))
		}
		if s.Audit != nil {
			s.Audit.LogBestEffort("arbiter_sweep_failed", "warn", map[string]any{
				"job":   job.name,
				"error": err.Error(),
			})
		}
		return n, err
	}
	if n > 0 && s.Logger != nil {
		s.Logger.Info("sweep moved items", zap.String("job", job.name), zap.Int("count", n))
	}
	return n, nil
}
