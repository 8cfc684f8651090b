package rules

import (
	"time"

	"github.com/tessella/custody-engine/interfaces"
)

// DefaultRules returns the rule set installed when a vault of the given type
// is created. Thresholds come from the vault's typed configuration where the
// preset is configurable.
func DefaultRules(vault interfaces.VaultID, vaultType interfaces.VaultType, cfg interfaces.VaultConfig, creator interfaces.UserID, now time.Time) []*interfaces.Rule {
	mk := func(rt interfaces.RuleType, rc interfaces.RuleConfig, priority int) *interfaces.Rule {
		return &interfaces.Rule{
			ID:        interfaces.NewRuleID(),
			VaultID:   vault,
			Type:      rt,
			Config:    rc,
			Priority:  priority,
			Enabled:   true,
			CreatedBy: creator,
			CreatedAt: now,
		}
	}

	switch vaultType {
	case interfaces.VaultFamily:
		return []*interfaces.Rule{
			mk(interfaces.RuleExpiration, interfaces.RuleConfig{ExpiresAfterHours: 168}, 100),
		}

	case interfaces.VaultCompany:
		var out []*interfaces.Rule
		if c := cfg.Company; c != nil && c.AutoApproveBelow > 0 {
			out = append(out, mk(interfaces.RuleAutoApprove, interfaces.RuleConfig{AutoApproveBelow: c.AutoApproveBelow}, 10))
		}
		if c := cfg.Company; c != nil && c.TimeLockAbove > 0 {
			hours := c.TimeLockHours
			if hours == 0 {
				hours = 24
			}
			out = append(out, mk(interfaces.RuleTimeLock, interfaces.RuleConfig{TimeLockAbove: c.TimeLockAbove, TimeLockHours: hours}, 20))
		}
		out = append(out, mk(interfaces.RuleRateLimit, interfaces.RuleConfig{MaxAmountPerDay: 10000, MaxTransactionsPerDay: 50}, 30))
		return out

	case interfaces.VaultEscrow:
		timeoutDays := 30
		if c := cfg.Escrow; c != nil && c.TimeoutDays > 0 {
			timeoutDays = c.TimeoutDays
		}
		return []*interfaces.Rule{
			mk(interfaces.RuleExpiration, interfaces.RuleConfig{ExpiresAfterHours: timeoutDays * 24}, 100),
		}

	case interfaces.VaultInheritance:
		interval, delay := 30, 7
		if c := cfg.Inheritance; c != nil {
			if c.HeartbeatIntervalDays > 0 {
				interval = c.HeartbeatIntervalDays
			}
			if c.ExecutorDelayDays > 0 {
				delay = c.ExecutorDelayDays
			}
		}
		return []*interfaces.Rule{
			mk(interfaces.RuleHeartbeat, interfaces.RuleConfig{HeartbeatIntervalDays: interval, ExecutorDelayDays: delay}, 10),
		}

	case interfaces.VaultDAO:
		votingHours, quorum := 72, 50
		if c := cfg.DAO; c != nil {
			if c.VotingPeriodHours > 0 {
				votingHours = c.VotingPeriodHours
			}
			if c.QuorumPercent > 0 {
				quorum = c.QuorumPercent
			}
		}
		return []*interfaces.Rule{
			mk(interfaces.RuleVotingPeriod, interfaces.RuleConfig{VotingPeriodHours: votingHours}, 10),
			mk(interfaces.RuleQuorum, interfaces.RuleConfig{QuorumPercent: quorum}, 20),
		}

	case interfaces.VaultTrade:
		return []*interfaces.Rule{
			mk(interfaces.RuleWhitelist, interfaces.RuleConfig{AllowedAddresses: []string{}}, 10),
			mk(interfaces.RuleExpiration, interfaces.RuleConfig{ExpiresAfterHours: 720}, 100),
		}
	}
	return nil
}
