package interfaces

import (
	"context"
	"time"
)

// ActionFilter narrows ListActions results. Zero values mean no filtering.
type ActionFilter struct {
	Status ActionStatus
	Type   ActionType
	Limit  int
}

// Store is the persistence contract the engine consumes. Implementations must
// serialize updates to a single action row: UpdateAction replaces the whole
// record, and the engine performs the read-decide-write cycle under a
// per-action lock, so a backend only needs atomic single-row writes.
type Store interface {
	// Vaults.
	CreateVault(ctx context.Context, v *Vault) error
	GetVault(ctx context.Context, id VaultID) (*Vault, error)
	UpdateVault(ctx context.Context, v *Vault) error
	ListVaultsByType(ctx context.Context, vt VaultType, status VaultStatus) ([]*Vault, error)
	ListUserVaults(ctx context.Context, user UserID) ([]*Vault, error)

	// Members.
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	GetMemberByUser(ctx context.Context, vault VaultID, user UserID) (*Member, error)
	GetMemberByInviteToken(ctx context.Context, token string) (*Member, error)
	UpdateMember(ctx context.Context, m *Member) error
	// ListMembers returns all members of a vault ordered by share index.
	ListMembers(ctx context.Context, vault VaultID) ([]*Member, error)

	// Shares. PutShare upserts on (vault, share index).
	PutShare(ctx context.Context, s *Share) error
	GetShare(ctx context.Context, vault VaultID, member MemberID) (*Share, error)
	// ListShares returns a vault's shares ordered by share index.
	ListShares(ctx context.Context, vault VaultID) ([]*Share, error)
	DeleteShares(ctx context.Context, vault VaultID) error

	// Actions.
	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id ActionID) (*Action, error)
	UpdateAction(ctx context.Context, a *Action) error
	ListActions(ctx context.Context, vault VaultID, f ActionFilter) ([]*Action, error)
	// SumActionAmounts totals payload amounts of the vault's actions of the
	// given type in the given statuses created at or after since.
	SumActionAmounts(ctx context.Context, vault VaultID, t ActionType, statuses []ActionStatus, since time.Time) (float64, error)
	// CountActions counts the vault's actions of the given type created at or
	// after since, regardless of status.
	CountActions(ctx context.Context, vault VaultID, t ActionType, since time.Time) (int, error)
	// ListDueTimeLocks returns approved actions whose lock elapsed by now.
	ListDueTimeLocks(ctx context.Context, now time.Time) ([]*Action, error)
	// ExpireDueActions transitions pending/time_locked actions past their
	// expiry to expired and returns the transitioned actions.
	ExpireDueActions(ctx context.Context, now time.Time) ([]*Action, error)

	// Votes. CreateVote fails if (action, member) already voted.
	CreateVote(ctx context.Context, v *Vote) error
	GetVote(ctx context.Context, action ActionID, member MemberID) (*Vote, error)
	ListVotes(ctx context.Context, action ActionID) ([]*Vote, error)

	// Rules.
	CreateRule(ctx context.Context, r *Rule) error
	UpdateRule(ctx context.Context, r *Rule) error
	// ListRules returns a vault's rules ordered by ascending priority.
	ListRules(ctx context.Context, vault VaultID, enabledOnly bool) ([]*Rule, error)

	// Audit.
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, vault VaultID, limit, offset int) ([]*AuditEntry, error)
}

// AuditSink records engine events. Append failures must not fail the primary
// operation; the engine logs and continues.
type AuditSink interface {
	Append(ctx context.Context, vault VaultID, actor UserID, eventType string, details map[string]any) error
}
