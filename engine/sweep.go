package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tessella/custody-engine/interfaces"
)

// Sweeper periodically runs the engine's background passes: expirations,
// elapsed time-locks, and missed heartbeats.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper over the engine.
func NewSweeper(eng *Engine, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{engine: eng, interval: interval, log: log}
}

// Run sweeps on each tick until the context is cancelled. Sweep errors are
// logged and the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("Starting sweeper", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if n, err := s.engine.ProcessExpirations(ctx); err != nil {
		s.log.Error("Expiration sweep failed", "err", err)
	} else if n > 0 {
		s.log.Info("Expired actions", "count", n)
	}
	if n, err := s.engine.ProcessTimeLocks(ctx); err != nil {
		s.log.Error("Time-lock sweep failed", "err", err)
	} else if n > 0 {
		s.log.Info("Executed unlocked actions", "count", n)
	}
	if n, err := s.engine.CheckHeartbeats(ctx); err != nil {
		s.log.Error("Heartbeat sweep failed", "err", err)
	} else if n > 0 {
		s.log.Info("Triggered executor activations", "count", n)
	}
}

// ProcessExpirations transitions pending and time-locked actions past their
// expiry to expired. Returns the number of actions expired.
func (e *Engine) ProcessExpirations(ctx context.Context) (int, error) {
	expired, err := e.store.ExpireDueActions(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("expire due actions: %w", err)
	}
	for _, a := range expired {
		e.recordAudit(ctx, a.VaultID, "", "action_expired", map[string]any{
			"action": a.ID, "type": string(a.Type),
		})
		e.log.Info("action expired", "action", a.ID, "vault", a.VaultID)
	}
	return len(expired), nil
}

// ProcessTimeLocks executes approved actions whose lock has elapsed. Each
// execution failure is recorded on its action and collected; one stuck action
// does not stall the rest of the sweep.
func (e *Engine) ProcessTimeLocks(ctx context.Context) (int, error) {
	due, err := e.store.ListDueTimeLocks(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("list due time locks: %w", err)
	}

	executed := 0
	var errs []error
	for _, a := range due {
		if err := e.ExecuteAction(ctx, a.ID); err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", a.ID, err))
			continue
		}
		executed++
	}
	return executed, errors.Join(errs...)
}

// CheckHeartbeats scans active inheritance vaults and, where the owner has
// missed the heartbeat interval and the executor is not yet activated, creates
// an executor_activation action credited to the executor member. The
// heartbeat rule auto-approves it, so activation completes within the sweep.
func (e *Engine) CheckHeartbeats(ctx context.Context) (int, error) {
	vaults, err := e.store.ListVaultsByType(ctx, interfaces.VaultInheritance, interfaces.VaultActive)
	if err != nil {
		return 0, fmt.Errorf("list inheritance vaults: %w", err)
	}

	activated := 0
	var errs []error
	for _, vault := range vaults {
		cfg := vault.Config.Inheritance
		if cfg == nil || cfg.ExecutorActivated {
			continue
		}
		days, err := e.heartbeatIntervalDays(ctx, vault)
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", vault.ID, err))
			continue
		}
		if days <= 0 {
			continue
		}
		last := cfg.LastHeartbeat
		if last.IsZero() {
			last = vault.CreatedAt
		}
		interval := time.Duration(days) * 24 * time.Hour
		if e.now().Sub(last) <= interval {
			continue
		}

		pending, err := e.hasOpenActivation(ctx, vault.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", vault.ID, err))
			continue
		}
		if pending {
			continue
		}

		executor, err := e.findExecutor(ctx, vault.ID)
		if err != nil {
			e.log.Warn("missed heartbeat but no executor member", "vault", vault.ID, "err", err)
			continue
		}

		_, err = e.CreateAction(ctx, vault.ID, executor.UserID, interfaces.ExecutorActivationPayload{
			Reason:        "heartbeat interval missed",
			LastHeartbeat: last,
			IntervalDays:  days,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: activate executor: %w", vault.ID, err))
			continue
		}
		activated++
		e.log.Info("executor activation triggered", "vault", vault.ID, "executor", executor.ID)
	}
	return activated, errors.Join(errs...)
}

// heartbeatIntervalDays resolves the heartbeat interval for a vault. The
// enabled heartbeat rule's config wins; the vault configuration is the
// fallback, so editing the rule takes effect without a config change.
func (e *Engine) heartbeatIntervalDays(ctx context.Context, vault *interfaces.Vault) (int, error) {
	ruleset, err := e.store.ListRules(ctx, vault.ID, true)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	for _, r := range ruleset {
		if r.Type == interfaces.RuleHeartbeat && r.Config.HeartbeatIntervalDays > 0 {
			return r.Config.HeartbeatIntervalDays, nil
		}
	}
	if cfg := vault.Config.Inheritance; cfg != nil {
		return cfg.HeartbeatIntervalDays, nil
	}
	return 0, nil
}

// hasOpenActivation reports whether an executor_activation action is already
// in flight for the vault. Executed activations do not count: they set
// ExecutorActivated, which gates the sweep until a heartbeat re-arms it.
func (e *Engine) hasOpenActivation(ctx context.Context, vault interfaces.VaultID) (bool, error) {
	actions, err := e.store.ListActions(ctx, vault, interfaces.ActionFilter{Type: interfaces.ActionExecutorActivation})
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if !a.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) findExecutor(ctx context.Context, vault interfaces.VaultID) (*interfaces.Member, error) {
	members, err := e.store.ListMembers(ctx, vault)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.Role == interfaces.RoleExecutor && m.Status == interfaces.MemberAccepted {
			return m, nil
		}
	}
	return nil, interfaces.ErrNotFound
}
