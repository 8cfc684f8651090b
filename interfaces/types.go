package interfaces

import (
	"time"

	"github.com/google/uuid"
)

// VaultID uniquely identifies a custody vault.
type VaultID string

// NewVaultID generates a random vault identifier.
func NewVaultID() VaultID { return VaultID(uuid.NewString()) }

func (id VaultID) String() string { return string(id) }

// MemberID uniquely identifies a vault member record.
type MemberID string

// NewMemberID generates a random member identifier.
func NewMemberID() MemberID { return MemberID(uuid.NewString()) }

func (id MemberID) String() string { return string(id) }

// UserID identifies an authenticated user bound to a member. The engine does
// not own user accounts; it only stores the reference.
type UserID string

func (id UserID) String() string { return string(id) }

// ActionID uniquely identifies a proposed action.
type ActionID string

// NewActionID generates a random action identifier.
func NewActionID() ActionID { return ActionID(uuid.NewString()) }

func (id ActionID) String() string { return string(id) }

// VoteID uniquely identifies a recorded vote.
type VoteID string

// NewVoteID generates a random vote identifier.
func NewVoteID() VoteID { return VoteID(uuid.NewString()) }

// RuleID uniquely identifies a policy rule.
type RuleID string

// NewRuleID generates a random rule identifier.
func NewRuleID() RuleID { return RuleID(uuid.NewString()) }

// ChainID names a supported blockchain.
type ChainID string

const (
	ChainStellar  ChainID = "stellar"
	ChainEthereum ChainID = "ethereum"
	ChainMock     ChainID = "mock"
)

// Network names a blockchain network flavor.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// VaultType selects the policy template a vault is created from. It does not
// change engine behavior beyond default rules and approval counts.
type VaultType string

const (
	VaultFamily      VaultType = "family"
	VaultCompany     VaultType = "company"
	VaultEscrow      VaultType = "escrow"
	VaultInheritance VaultType = "inheritance"
	VaultDAO         VaultType = "dao"
	VaultTrade       VaultType = "trade"
)

// VaultStatus is the vault lifecycle state.
type VaultStatus string

const (
	VaultPending VaultStatus = "pending"
	VaultActive  VaultStatus = "active"
	VaultFrozen  VaultStatus = "frozen"
	VaultClosed  VaultStatus = "closed"
)

// MemberRole determines a member's capabilities. Capabilities are computed from
// the role constant and never stored as free-form data.
type MemberRole string

const (
	RoleOwner       MemberRole = "owner"
	RoleSigner      MemberRole = "signer"
	RoleRequester   MemberRole = "requester"
	RoleViewer      MemberRole = "viewer"
	RoleExecutor    MemberRole = "executor"
	RoleBeneficiary MemberRole = "beneficiary"
	RoleArbiter     MemberRole = "arbiter"
	RoleCouncil     MemberRole = "council"
)

// Valid reports whether the role is one of the known constants.
func (r MemberRole) Valid() bool {
	switch r {
	case RoleOwner, RoleSigner, RoleRequester, RoleViewer,
		RoleExecutor, RoleBeneficiary, RoleArbiter, RoleCouncil:
		return true
	}
	return false
}

// CanVote reports whether the role carries signing/approval rights.
func (r MemberRole) CanVote() bool {
	switch r {
	case RoleOwner, RoleSigner, RoleCouncil, RoleArbiter, RoleExecutor:
		return true
	}
	return false
}

// CanPropose reports whether the role may create actions.
func (r MemberRole) CanPropose() bool {
	return r != RoleViewer && r.Valid()
}

// CanView reports whether the role may read vault state. Every valid role can.
func (r MemberRole) CanView() bool {
	return r.Valid()
}

// MemberStatus is the member lifecycle state.
type MemberStatus string

const (
	MemberPending  MemberStatus = "pending"
	MemberAccepted MemberStatus = "accepted"
	MemberRemoved  MemberStatus = "removed"
)

// ActionType enumerates the operations a vault can perform.
type ActionType string

const (
	ActionPayment            ActionType = "payment"
	ActionBatchPayment       ActionType = "batch_payment"
	ActionPathPayment        ActionType = "path_payment"
	ActionProposal           ActionType = "proposal"
	ActionMilestoneRelease   ActionType = "milestone_release"
	ActionDispute            ActionType = "dispute"
	ActionHeartbeat          ActionType = "heartbeat"
	ActionExecutorActivation ActionType = "executor_activation"
	ActionConfigChange       ActionType = "config_change"
	ActionMemberAdd          ActionType = "member_add"
	ActionMemberRemove       ActionType = "member_remove"
	ActionShareRotation      ActionType = "share_rotation"
)

// MovesFunds reports whether executing the action requires the vault's signing key.
func (t ActionType) MovesFunds() bool {
	switch t {
	case ActionPayment, ActionBatchPayment, ActionPathPayment, ActionMilestoneRelease:
		return true
	}
	return false
}

// ActionStatus is the action lifecycle state.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionApproved   ActionStatus = "approved"
	ActionTimeLocked ActionStatus = "time_locked"
	ActionExecuting  ActionStatus = "executing"
	ActionExecuted   ActionStatus = "executed"
	ActionDenied     ActionStatus = "denied"
	ActionExpired    ActionStatus = "expired"
	ActionFailed     ActionStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionExecuted, ActionDenied, ActionExpired, ActionFailed:
		return true
	}
	return false
}

// Votable reports whether votes may still be cast.
func (s ActionStatus) Votable() bool {
	return s == ActionPending || s == ActionTimeLocked
}

// VoteDecision is an approve or deny choice.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteDeny    VoteDecision = "deny"
)

// RuleType enumerates the policy rule catalogue.
type RuleType string

const (
	RuleAutoApprove    RuleType = "auto_approve"
	RuleTimeLock       RuleType = "time_lock"
	RuleWhitelist      RuleType = "whitelist"
	RuleRateLimit      RuleType = "rate_limit"
	RuleCategoryBudget RuleType = "category_budget"
	RuleHeartbeat      RuleType = "heartbeat"
	RuleVotingPeriod   RuleType = "voting_period"
	RuleQuorum         RuleType = "quorum"
	RuleExpiration     RuleType = "expiration"
)

// Vault is a custody group that shares control over one wallet.
type Vault struct {
	ID              VaultID
	Name            string
	Type            VaultType
	Chain           ChainID
	Network         Network
	WalletPublicKey string // empty until activated
	WalletFunded    bool
	Threshold       int // T shares required to reconstruct the key
	TotalShares     int // N shares in total
	Status          VaultStatus
	Config          VaultConfig
	CreatorID       UserID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Member is one participant of a vault. Email is the identity before account
// linkage; UserID is bound when the invitee accepts.
type Member struct {
	ID          MemberID
	VaultID     VaultID
	UserID      UserID // empty until accepted
	Email       string
	Role        MemberRole
	Label       string
	InviteToken string // empty once accepted
	Status      MemberStatus
	ShareIndex  int // 1..N, assigned at creation, stable for the share set
	InvitedAt   time.Time
	AcceptedAt  time.Time // zero until accepted
}

// Share is one member's encrypted fragment of the vault signing key.
type Share struct {
	VaultID    VaultID
	MemberID   MemberID
	ShareIndex int
	Ciphertext []byte
	IV         []byte
	Salt       []byte
	CreatedAt  time.Time
}

// ExecutionResult captures the outcome of an action execution.
type ExecutionResult struct {
	TxHash string `json:"tx_hash,omitempty"`
	Ledger uint64 `json:"ledger,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Action is a proposed vault operation moving through the approval state machine.
type Action struct {
	ID                ActionID
	VaultID           VaultID
	Type              ActionType
	CreatorID         UserID
	Payload           Payload
	Status            ActionStatus
	ApprovalsRequired int
	ApprovalsReceived int
	DenialsReceived   int
	TimeLockUntil     time.Time // zero if no lock
	ExpiresAt         time.Time // zero if no expiry
	ExecutedAt        time.Time
	Result            *ExecutionResult
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Vote is one member's immutable decision on an action.
type Vote struct {
	ID        VoteID
	ActionID  ActionID
	VoterID   UserID
	MemberID  MemberID
	Decision  VoteDecision
	Reason    string
	CreatedAt time.Time
}

// Rule is one policy rule attached to a vault. Lower priority evaluates first.
type Rule struct {
	ID        RuleID
	VaultID   VaultID
	Type      RuleType
	Config    RuleConfig
	Priority  int
	Enabled   bool
	CreatedBy UserID
	CreatedAt time.Time
}

// RuleConfig carries type-specific rule parameters. Only the fields relevant
// to the rule's type are consulted.
type RuleConfig struct {
	AutoApproveBelow float64 `json:"auto_approve_below,omitempty"`

	TimeLockAbove float64 `json:"time_lock_above,omitempty"`
	TimeLockHours int     `json:"time_lock_hours,omitempty"`

	// No omitempty: an empty non-nil list means "block everything" and must
	// survive serialization distinct from an absent list.
	AllowedAddresses []string `json:"allowed_addresses"`

	MaxAmountPerDay       float64 `json:"max_amount_per_day,omitempty"`
	MaxAmountPerWeek      float64 `json:"max_amount_per_week,omitempty"`
	MaxTransactionsPerDay int     `json:"max_transactions_per_day,omitempty"`

	Category     string  `json:"category,omitempty"`
	BudgetAmount float64 `json:"budget_amount,omitempty"`
	BudgetPeriod string  `json:"budget_period,omitempty"`

	HeartbeatIntervalDays int `json:"heartbeat_interval_days,omitempty"`
	ExecutorDelayDays     int `json:"executor_delay_days,omitempty"`

	VotingPeriodHours int `json:"voting_period_hours,omitempty"`

	QuorumPercent int `json:"quorum_percent,omitempty"`

	ExpiresAfterHours int `json:"expires_after_hours,omitempty"`
}

// AuditEntry is one immutable audit log record.
type AuditEntry struct {
	ID        int64
	VaultID   VaultID
	ActorID   UserID // empty for system-initiated events
	EventType string
	Details   map[string]any
	CreatedAt time.Time
}
