package interfaces

import "time"

// VaultConfig is the typed per-vault configuration. Exactly one section is
// populated, keyed by the vault type; the zero value is valid for types that
// need no configuration.
type VaultConfig struct {
	Family      *FamilyConfig      `json:"family,omitempty"`
	Company     *CompanyConfig     `json:"company,omitempty"`
	Escrow      *EscrowConfig      `json:"escrow,omitempty"`
	Inheritance *InheritanceConfig `json:"inheritance,omitempty"`
	DAO         *DAOConfig         `json:"dao,omitempty"`
	Trade       *TradeConfig       `json:"trade,omitempty"`
}

// FamilyConfig configures family vaults.
type FamilyConfig struct {
	Allowance   float64 `json:"allowance,omitempty"`
	AutoDeposit bool    `json:"auto_deposit,omitempty"`
}

// CompanyConfig configures company vaults.
type CompanyConfig struct {
	AutoApproveBelow float64  `json:"auto_approve_below,omitempty"`
	TimeLockAbove    float64  `json:"time_lock_above,omitempty"`
	TimeLockHours    int      `json:"time_lock_hours,omitempty"`
	Departments      []string `json:"departments,omitempty"`
}

// EscrowMilestone is one stage of an escrow agreement.
type EscrowMilestone struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
	Status string `json:"status"` // pending | released | disputed
}

// EscrowConfig configures escrow vaults.
type EscrowConfig struct {
	Milestones  []EscrowMilestone `json:"milestones,omitempty"`
	TimeoutDays int               `json:"timeout_days,omitempty"`
	TotalAmount string            `json:"total_amount,omitempty"`
}

// InheritanceConfig configures inheritance vaults, including the mutable
// dead-man's-switch state updated by heartbeat and activation executions.
type InheritanceConfig struct {
	HeartbeatIntervalDays int       `json:"heartbeat_interval_days,omitempty"`
	ExecutorDelayDays     int       `json:"executor_delay_days,omitempty"`
	LastHeartbeat         time.Time `json:"last_heartbeat,omitempty"`
	ExecutorActivated     bool      `json:"executor_activated,omitempty"`
}

// DAOConfig configures DAO vaults. QuorumPercent is tracked for the quorum
// rule but approval counting uses the flat default; see DESIGN.md.
type DAOConfig struct {
	VotingPeriodHours int     `json:"voting_period_hours,omitempty"`
	QuorumPercent     int     `json:"quorum_percent,omitempty"`
	ProposalThreshold float64 `json:"proposal_threshold,omitempty"`
}

// TradeConfig configures trade vaults.
type TradeConfig struct {
	AcceptedAssets   []string `json:"accepted_assets,omitempty"`
	DocumentRequired bool     `json:"document_required,omitempty"`
	TradeTerms       string   `json:"trade_terms,omitempty"`
}

// ConfigPatch is the typed mutation applied by a config_change action. Nil
// fields leave the current value untouched.
type ConfigPatch struct {
	AutoApproveBelow      *float64 `json:"auto_approve_below,omitempty"`
	TimeLockAbove         *float64 `json:"time_lock_above,omitempty"`
	TimeLockHours         *int     `json:"time_lock_hours,omitempty"`
	Allowance             *float64 `json:"allowance,omitempty"`
	HeartbeatIntervalDays *int     `json:"heartbeat_interval_days,omitempty"`
	ExecutorDelayDays     *int     `json:"executor_delay_days,omitempty"`
	VotingPeriodHours     *int     `json:"voting_period_hours,omitempty"`
	QuorumPercent         *int     `json:"quorum_percent,omitempty"`
	TimeoutDays           *int     `json:"timeout_days,omitempty"`
	TradeTerms            *string  `json:"trade_terms,omitempty"`
}

// Apply merges the patch into the configuration, creating the section for the
// given vault type if it does not exist yet.
func (p ConfigPatch) Apply(cfg *VaultConfig, vt VaultType) {
	switch vt {
	case VaultFamily:
		if cfg.Family == nil {
			cfg.Family = &FamilyConfig{}
		}
		if p.Allowance != nil {
			cfg.Family.Allowance = *p.Allowance
		}
	case VaultCompany:
		if cfg.Company == nil {
			cfg.Company = &CompanyConfig{}
		}
		if p.AutoApproveBelow != nil {
			cfg.Company.AutoApproveBelow = *p.AutoApproveBelow
		}
		if p.TimeLockAbove != nil {
			cfg.Company.TimeLockAbove = *p.TimeLockAbove
		}
		if p.TimeLockHours != nil {
			cfg.Company.TimeLockHours = *p.TimeLockHours
		}
	case VaultEscrow:
		if cfg.Escrow == nil {
			cfg.Escrow = &EscrowConfig{}
		}
		if p.TimeoutDays != nil {
			cfg.Escrow.TimeoutDays = *p.TimeoutDays
		}
	case VaultInheritance:
		if cfg.Inheritance == nil {
			cfg.Inheritance = &InheritanceConfig{}
		}
		if p.HeartbeatIntervalDays != nil {
			cfg.Inheritance.HeartbeatIntervalDays = *p.HeartbeatIntervalDays
		}
		if p.ExecutorDelayDays != nil {
			cfg.Inheritance.ExecutorDelayDays = *p.ExecutorDelayDays
		}
	case VaultDAO:
		if cfg.DAO == nil {
			cfg.DAO = &DAOConfig{}
		}
		if p.VotingPeriodHours != nil {
			cfg.DAO.VotingPeriodHours = *p.VotingPeriodHours
		}
		if p.QuorumPercent != nil {
			cfg.DAO.QuorumPercent = *p.QuorumPercent
		}
	case VaultTrade:
		if cfg.Trade == nil {
			cfg.Trade = &TradeConfig{}
		}
		if p.TradeTerms != nil {
			cfg.Trade.TradeTerms = *p.TradeTerms
		}
	}
}
