package service

import (
	"context"
	"errors"
	"testing"

	"arbiter/internal/config"
	"arbiter/internal/repository/memory"
)

type countingSweeper struct {
	locks, retries, approvals, acks int
}

func (c *countingSweeper) SweepExpired(context.Context) (int, error) {
	c.locks++
	return 1, nil
}

func (c *countingSweeper) RetryDue(context.Context) (int, error) {
	c.retries++
	return 2, nil
}

func (c *countingSweeper) ExpireApprovals(context.Context) (int, error) {
	c.approvals++
	return 0, nil
}

func (c *countingSweeper) ExpireAcks(context.Context) (int, error) {
	c.acks++
	return 3, nil
}

type failingLedger struct{}

func (failingLedger) SweepExpired(context.Context) (int, error) {
	return 0, errors.New("store down")
}

type auditRecorder struct {
	actions []string
	details []map[string]any
}

func (a *auditRecorder) LogBestEffort(action, _ string, details map[string]any) {
	a.actions = append(a.actions, action)
	a.details = append(a.details, details)
}

func TestEnsureDefaultSwitchesKeepsOperatorChoice(t *testing.T) {
	ctx := context.Background()
	settings := &SystemSettingsService{Repo: memory.New()}
	if err := settings.SetEnabled(ctx, FeatureLockSweeper, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := settings.EnsureDefaultSwitches(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if settings.IsEnabled(ctx, FeatureLockSweeper, true) {
		t.Fatalf("seeding overwrote an operator switch")
	}
	if !settings.IsEnabled(ctx, FeatureRetryScheduler, false) {
		t.Fatalf("default switch not seeded")
	}
	if settings.IsEnabled(ctx, "feature.unknown", false) {
		t.Fatalf("unknown switch should use fallback")
	}
}

func TestSweepersHonorSwitches(t *testing.T) {
	ctx := context.Background()
	settings := &SystemSettingsService{Repo: memory.New()}
	if err := settings.EnsureDefaultSwitches(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := settings.SetEnabled(ctx, FeatureAckTimeout, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	c := &countingSweeper{}
	s := &Sweepers{Ledger: c, Orders: c, Flags: settings}

	got := s.RunOnce(ctx, config.Default().Cron)
	if c.locks != 1 || c.retries != 1 || c.approvals != 1 {
		t.Fatalf("locks=%d retries=%d approvals=%d", c.locks, c.retries, c.approvals)
	}
	if c.acks != 0 {
		t.Fatalf("disabled ack sweep ran")
	}
	if got["retry_sweep"] != 2 || got["lock_sweep"] != 1 || got["ack_sweep"] != 0 {
		t.Fatalf("counts=%v", got)
	}
}

func TestSweepFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	audit := &auditRecorder{}
	s := &Sweepers{Ledger: failingLedger{}, Flags: &SystemSettingsService{Repo: memory.New()}, Audit: audit}

	got := s.RunOnce(ctx, config.Default().Cron)
	if _, ok := got["lock_sweep"]; ok {
		t.Fatalf("failed sweep should not report a count: %v", got)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "arbiter_sweep_failed" {
		t.Fatalf("audit=%v", audit.actions)
	}
	if audit.details[0]["job"] != "lock_sweep" {
		t.Fatalf("details=%v", audit.details[0])
	}
}
