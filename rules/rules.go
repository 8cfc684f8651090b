// Package rules evaluates a vault's policy rules against proposed actions.
//
// Rules are evaluated in ascending priority order. The combined verdict
// follows a fixed policy: any blocking rule overrides everything, auto-approve
// is the OR of non-blocking grants, the latest time-lock wins, the highest
// required approval count wins, and a time-lock always cancels auto-approval.
package rules

import (
	"fmt"
	"slices"
	"time"

	"github.com/tessella/custody-engine/interfaces"
)

// Verdict is the combined outcome of evaluating all enabled rules.
type Verdict struct {
	AutoApprove       bool
	TimeLockUntil     time.Time // zero if no lock
	Blocked           bool
	BlockReason       string
	ApprovalsRequired int // 0 means no rule specified one
}

// Evaluate runs all rules against the action in priority order and combines
// their results. The rate_limit type is skipped here; it needs historical
// aggregation and runs separately via CheckRateLimit before this pass.
func Evaluate(ruleset []*interfaces.Rule, actionType interfaces.ActionType, payload interfaces.Payload, now time.Time) Verdict {
	var combined Verdict

	for _, rule := range ruleset {
		if !rule.Enabled {
			continue
		}
		v := evaluateOne(rule, actionType, payload, now)

		// Block wins outright: no auto-approval, no partial application.
		if v.Blocked {
			return Verdict{
				Blocked:           true,
				BlockReason:       v.BlockReason,
				TimeLockUntil:     combined.TimeLockUntil,
				ApprovalsRequired: combined.ApprovalsRequired,
			}
		}

		if v.AutoApprove {
			combined.AutoApprove = true
		}
		if !v.TimeLockUntil.IsZero() && v.TimeLockUntil.After(combined.TimeLockUntil) {
			combined.TimeLockUntil = v.TimeLockUntil
		}
		if v.ApprovalsRequired > combined.ApprovalsRequired {
			combined.ApprovalsRequired = v.ApprovalsRequired
		}
	}

	// A time-lock is the stronger constraint.
	if !combined.TimeLockUntil.IsZero() {
		combined.AutoApprove = false
	}
	return combined
}

func evaluateOne(rule *interfaces.Rule, actionType interfaces.ActionType, payload interfaces.Payload, now time.Time) Verdict {
	switch rule.Type {
	case interfaces.RuleAutoApprove:
		return evalAutoApprove(rule.Config, actionType, payload)
	case interfaces.RuleTimeLock:
		return evalTimeLock(rule.Config, actionType, payload, now)
	case interfaces.RuleWhitelist:
		return evalWhitelist(rule.Config, actionType, payload)
	case interfaces.RuleHeartbeat:
		return evalHeartbeat(actionType)
	case interfaces.RuleCategoryBudget:
		return evalCategoryBudget(rule.Config, actionType, payload)
	case interfaces.RuleQuorum:
		return evalQuorum(rule.Config, actionType)
	case interfaces.RuleRateLimit, interfaces.RuleVotingPeriod, interfaces.RuleExpiration:
		// rate_limit runs async before the pass; voting_period shapes the
		// action's expiry at creation; expiration is consumed by the sweep.
		return Verdict{}
	}
	return Verdict{}
}

func evalAutoApprove(cfg interfaces.RuleConfig, actionType interfaces.ActionType, payload interfaces.Payload) Verdict {
	if actionType != interfaces.ActionPayment && actionType != interfaces.ActionBatchPayment {
		return Verdict{}
	}
	amount, ok := interfaces.PayloadAmount(payload)
	if ok && cfg.AutoApproveBelow > 0 && amount < cfg.AutoApproveBelow {
		return Verdict{AutoApprove: true}
	}
	return Verdict{}
}

func evalTimeLock(cfg interfaces.RuleConfig, actionType interfaces.ActionType, payload interfaces.Payload, now time.Time) Verdict {
	if actionType != interfaces.ActionPayment && actionType != interfaces.ActionBatchPayment {
		return Verdict{}
	}
	amount, ok := interfaces.PayloadAmount(payload)
	if ok && cfg.TimeLockAbove > 0 && amount >= cfg.TimeLockAbove && cfg.TimeLockHours > 0 {
		return Verdict{TimeLockUntil: now.Add(time.Duration(cfg.TimeLockHours) * time.Hour)}
	}
	return Verdict{}
}

func evalWhitelist(cfg interfaces.RuleConfig, actionType interfaces.ActionType, payload interfaces.Payload) Verdict {
	if actionType != interfaces.ActionPayment && actionType != interfaces.ActionPathPayment {
		return Verdict{}
	}
	dest, ok := interfaces.PayloadDestination(payload)
	if !ok || cfg.AllowedAddresses == nil {
		return Verdict{}
	}
	if !slices.Contains(cfg.AllowedAddresses, dest) {
		return Verdict{
			Blocked:     true,
			BlockReason: fmt.Sprintf("destination %s is not in the whitelist", dest),
		}
	}
	return Verdict{}
}

// Executor activation is auto-approved unconditionally; the heartbeat sweep
// only creates the action once the interval has actually been missed.
func evalHeartbeat(actionType interfaces.ActionType) Verdict {
	if actionType == interfaces.ActionExecutorActivation {
		return Verdict{AutoApprove: true}
	}
	return Verdict{}
}

// category_budget is advisory: it carries a category label for reporting but
// enforces no limit.
func evalCategoryBudget(cfg interfaces.RuleConfig, actionType interfaces.ActionType, payload interfaces.Payload) Verdict {
	if actionType != interfaces.ActionPayment {
		return Verdict{}
	}
	_ = cfg.Category
	return Verdict{}
}

func evalQuorum(cfg interfaces.RuleConfig, actionType interfaces.ActionType) Verdict {
	// Quorum percent is carried in config; approval counting uses the flat
	// vault-type default.
	_ = cfg.QuorumPercent
	_ = actionType
	return Verdict{}
}

// DefaultApprovals returns the approval count used when no rule specifies one.
func DefaultApprovals(vaultType interfaces.VaultType, actionType interfaces.ActionType) int {
	switch vaultType {
	case interfaces.VaultFamily:
		return 1
	case interfaces.VaultCompany:
		if actionType == interfaces.ActionBatchPayment {
			return 2
		}
		return 1
	case interfaces.VaultEscrow:
		return 2
	case interfaces.VaultInheritance:
		if actionType == interfaces.ActionExecutorActivation {
			return 1
		}
		return 2
	case interfaces.VaultDAO:
		return 3
	case interfaces.VaultTrade:
		return 2
	}
	return 1
}
