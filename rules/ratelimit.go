package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/tessella/custody-engine/interfaces"
)

// rateLimitStatuses are the action states counted against amount caps. These
// mirror the reference window exactly: executing and time_locked actions do
// not count.
var rateLimitStatuses = []interfaces.ActionStatus{
	interfaces.ActionExecuted,
	interfaces.ActionApproved,
	interfaces.ActionPending,
}

// CheckRateLimit verifies the vault's rate_limit rule (if any) against the
// rolling history of prior actions plus the proposed amount. A violation
// returns ErrRateLimitExceeded naming the breached limit.
func CheckRateLimit(ctx context.Context, store interfaces.Store, vault interfaces.VaultID, actionType interfaces.ActionType, amount float64, now time.Time) error {
	ruleset, err := store.ListRules(ctx, vault, true)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	var cfg *interfaces.RuleConfig
	for _, r := range ruleset {
		if r.Type == interfaces.RuleRateLimit {
			cfg = &r.Config
			break
		}
	}
	if cfg == nil {
		return nil
	}

	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	if cfg.MaxAmountPerDay > 0 {
		total, err := store.SumActionAmounts(ctx, vault, actionType, rateLimitStatuses, dayAgo)
		if err != nil {
			return fmt.Errorf("daily amount aggregate: %w", err)
		}
		if total+amount > cfg.MaxAmountPerDay {
			return fmt.Errorf("%w: daily limit (%.2f + %.2f > %.2f)",
				interfaces.ErrRateLimitExceeded, total, amount, cfg.MaxAmountPerDay)
		}
	}

	if cfg.MaxAmountPerWeek > 0 {
		total, err := store.SumActionAmounts(ctx, vault, actionType, rateLimitStatuses, weekAgo)
		if err != nil {
			return fmt.Errorf("weekly amount aggregate: %w", err)
		}
		if total+amount > cfg.MaxAmountPerWeek {
			return fmt.Errorf("%w: weekly limit (%.2f + %.2f > %.2f)",
				interfaces.ErrRateLimitExceeded, total, amount, cfg.MaxAmountPerWeek)
		}
	}

	if cfg.MaxTransactionsPerDay > 0 {
		count, err := store.CountActions(ctx, vault, actionType, dayAgo)
		if err != nil {
			return fmt.Errorf("daily transaction count: %w", err)
		}
		if count >= cfg.MaxTransactionsPerDay {
			return fmt.Errorf("%w: daily transaction limit (%d/%d)",
				interfaces.ErrRateLimitExceeded, count, cfg.MaxTransactionsPerDay)
		}
	}

	return nil
}
