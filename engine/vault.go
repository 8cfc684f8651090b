package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/rules"
	"github.com/tessella/custody-engine/shamir"
)

// Invite names one participant of a new vault.
type Invite struct {
	Email string
	Role  interfaces.MemberRole
	Label string
}

// RuleSpec is a caller-supplied custom rule installed at vault creation.
type RuleSpec struct {
	Type     interfaces.RuleType
	Config   interfaces.RuleConfig
	Priority int
}

// CreateVaultParams describes a new vault. Invites must include the creator's
// own email; the creator's membership is accepted immediately, everyone else
// receives an invite token.
type CreateVaultParams struct {
	Name         string
	Type         interfaces.VaultType
	Chain        interfaces.ChainID
	Network      interfaces.Network
	Threshold    int
	Creator      interfaces.UserID
	CreatorEmail string
	Invites      []Invite
	Config       interfaces.VaultConfig
	CustomRules  []RuleSpec
}

// CreateVault persists a pending vault with its members and rules. Share
// indexes are assigned sequentially in invite order. If every member is
// already accepted the vault activates immediately.
func (e *Engine) CreateVault(ctx context.Context, p CreateVaultParams) (*interfaces.Vault, []*interfaces.Member, error) {
	n := len(p.Invites)
	if p.Threshold < 2 || p.Threshold > n {
		return nil, nil, fmt.Errorf("%w: threshold %d of %d members", interfaces.ErrInvalidParameters, p.Threshold, n)
	}
	if p.Name == "" || p.Creator == "" || p.CreatorEmail == "" {
		return nil, nil, fmt.Errorf("%w: name, creator, and creator email are required", interfaces.ErrInvalidParameters)
	}
	creatorInvited := false
	for _, inv := range p.Invites {
		if !inv.Role.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown role %q", interfaces.ErrInvalidParameters, inv.Role)
		}
		if inv.Email == p.CreatorEmail {
			creatorInvited = true
		}
	}
	if !creatorInvited {
		return nil, nil, fmt.Errorf("%w: creator email must be among the invites", interfaces.ErrInvalidParameters)
	}

	now := e.now()
	vault := &interfaces.Vault{
		ID:          interfaces.NewVaultID(),
		Name:        p.Name,
		Type:        p.Type,
		Chain:       p.Chain,
		Network:     p.Network,
		Threshold:   p.Threshold,
		TotalShares: n,
		Status:      interfaces.VaultPending,
		Config:      p.Config,
		CreatorID:   p.Creator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateVault(ctx, vault); err != nil {
		return nil, nil, fmt.Errorf("create vault: %w", err)
	}

	members := make([]*interfaces.Member, 0, n)
	for i, inv := range p.Invites {
		m := &interfaces.Member{
			ID:         interfaces.NewMemberID(),
			VaultID:    vault.ID,
			Email:      inv.Email,
			Role:       inv.Role,
			Label:      inv.Label,
			Status:     interfaces.MemberPending,
			ShareIndex: i + 1,
			InvitedAt:  now,
		}
		if inv.Email == p.CreatorEmail {
			m.UserID = p.Creator
			m.Status = interfaces.MemberAccepted
			m.AcceptedAt = now
		} else {
			token, err := newInviteToken()
			if err != nil {
				return nil, nil, err
			}
			m.InviteToken = token
		}
		if err := e.store.CreateMember(ctx, m); err != nil {
			return nil, nil, fmt.Errorf("create member %s: %w", inv.Email, err)
		}
		members = append(members, m)
	}

	for _, r := range rules.DefaultRules(vault.ID, vault.Type, vault.Config, p.Creator, now) {
		if err := e.store.CreateRule(ctx, r); err != nil {
			return nil, nil, fmt.Errorf("install default rule %s: %w", r.Type, err)
		}
	}
	for _, rs := range p.CustomRules {
		r := &interfaces.Rule{
			ID:        interfaces.NewRuleID(),
			VaultID:   vault.ID,
			Type:      rs.Type,
			Config:    rs.Config,
			Priority:  rs.Priority,
			Enabled:   true,
			CreatedBy: p.Creator,
			CreatedAt: now,
		}
		if err := e.store.CreateRule(ctx, r); err != nil {
			return nil, nil, fmt.Errorf("install custom rule %s: %w", r.Type, err)
		}
	}

	e.recordAudit(ctx, vault.ID, p.Creator, "vault_created", map[string]any{
		"name": p.Name, "type": string(p.Type), "threshold": p.Threshold, "members": n,
	})
	e.log.Info("vault created",
		"vault", vault.ID, "type", vault.Type, "threshold", p.Threshold, "members", n)

	if allAccepted(members) {
		if err := e.ActivateVault(ctx, vault.ID); err != nil {
			return nil, nil, err
		}
		vault, _, err := e.GetVault(ctx, vault.ID)
		if err != nil {
			return nil, nil, err
		}
		return vault, members, nil
	}
	return vault, members, nil
}

// AcceptInvite binds a user to the pending membership matching the token. If
// the last pending member just accepted, the vault activates.
func (e *Engine) AcceptInvite(ctx context.Context, user interfaces.UserID, token string) (*interfaces.Member, error) {
	if user == "" || token == "" {
		return nil, fmt.Errorf("%w: user and token are required", interfaces.ErrInvalidParameters)
	}
	m, err := e.store.GetMemberByInviteToken(ctx, token)
	if err != nil {
		return nil, interfaces.ErrInviteNotFound
	}
	if m.Status != interfaces.MemberPending {
		return nil, interfaces.ErrAlreadyAccepted
	}

	m.UserID = user
	m.Status = interfaces.MemberAccepted
	m.AcceptedAt = e.now()
	m.InviteToken = ""
	if err := e.store.UpdateMember(ctx, m); err != nil {
		return nil, fmt.Errorf("accept invite: %w", err)
	}

	e.recordAudit(ctx, m.VaultID, user, "invite_accepted", map[string]any{
		"member": m.ID, "role": string(m.Role),
	})

	members, err := e.store.ListMembers(ctx, m.VaultID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if allAccepted(members) {
		if err := e.ActivateVault(ctx, m.VaultID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ActivateVault generates the wallet, splits the key, and distributes
// encrypted shares. Idempotent: a vault with a wallet already in place is left
// untouched, and activation silently waits while members are still pending.
func (e *Engine) ActivateVault(ctx context.Context, id interfaces.VaultID) error {
	unlock := e.vaultLocks.lock(string(id))
	defer unlock()

	vault, err := e.store.GetVault(ctx, id)
	if err != nil {
		return err
	}
	if vault.WalletPublicKey != "" {
		return nil
	}

	members, err := e.store.ListMembers(ctx, id)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	accepted := make([]*interfaces.Member, 0, len(members))
	for _, m := range members {
		if m.Status == interfaces.MemberAccepted {
			accepted = append(accepted, m)
		}
	}
	if len(accepted) != vault.TotalShares {
		e.log.Info("vault not ready for activation",
			"vault", id, "accepted", len(accepted), "required", vault.TotalShares)
		return nil
	}

	adapter, err := e.ledgers.Adapter(vault.Chain, vault.Network)
	if err != nil {
		return err
	}
	kp, err := adapter.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("%w: generate keypair: %v", interfaces.ErrAdapterFailure, err)
	}
	defer shamir.Wipe(kp.PrivateKey)

	keyShares, err := shamir.Split(kp.PrivateKey, vault.TotalShares, vault.Threshold)
	if err != nil {
		return fmt.Errorf("split key: %w", err)
	}
	for _, m := range accepted {
		if err := e.shares.Put(ctx, vault.ID, m.ID, m.ShareIndex, keyShares[m.ShareIndex-1]); err != nil {
			return fmt.Errorf("store share %d: %w", m.ShareIndex, err)
		}
	}

	if vault.Network == interfaces.NetworkTestnet {
		funded, err := adapter.FundTestnet(ctx, kp.PublicKey)
		if err != nil {
			e.log.Warn("testnet funding failed", "vault", id, "err", err)
		}
		vault.WalletFunded = funded
	}

	vault.WalletPublicKey = kp.PublicKey
	vault.Status = interfaces.VaultActive
	vault.UpdatedAt = e.now()
	if err := e.store.UpdateVault(ctx, vault); err != nil {
		return fmt.Errorf("activate vault: %w", err)
	}

	e.recordAudit(ctx, vault.ID, "", "vault_activated", map[string]any{
		"wallet": kp.PublicKey, "funded": vault.WalletFunded,
	})
	e.log.Info("vault activated", "vault", id, "wallet", kp.PublicKey)
	return nil
}

// GetVault returns the vault with its members.
func (e *Engine) GetVault(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, []*interfaces.Member, error) {
	vault, err := e.store.GetVault(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	members, err := e.store.ListMembers(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return vault, members, nil
}

// ListUserVaults returns the vaults the user belongs to.
func (e *Engine) ListUserVaults(ctx context.Context, user interfaces.UserID) ([]*interfaces.Vault, error) {
	return e.store.ListUserVaults(ctx, user)
}

// GetBalance queries the vault wallet's balance through its ledger adapter.
func (e *Engine) GetBalance(ctx context.Context, id interfaces.VaultID) (interfaces.Balance, error) {
	vault, err := e.store.GetVault(ctx, id)
	if err != nil {
		return interfaces.Balance{}, err
	}
	if vault.WalletPublicKey == "" {
		return interfaces.Balance{}, interfaces.ErrVaultNotActive
	}
	adapter, err := e.ledgers.Adapter(vault.Chain, vault.Network)
	if err != nil {
		return interfaces.Balance{}, err
	}
	return adapter.GetBalance(ctx, vault.WalletPublicKey)
}

// MemberShareStatus reports whether one member's encrypted share is present.
type MemberShareStatus struct {
	MemberID   interfaces.MemberID
	ShareIndex int
	Present    bool
}

// ShareStatus reports share presence per member, in share-index order.
func (e *Engine) ShareStatus(ctx context.Context, id interfaces.VaultID) ([]MemberShareStatus, error) {
	members, err := e.store.ListMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.ListShares(ctx, id)
	if err != nil {
		return nil, err
	}
	present := make(map[interfaces.MemberID]bool, len(stored))
	for _, s := range stored {
		present[s.MemberID] = true
	}
	out := make([]MemberShareStatus, 0, len(members))
	for _, m := range members {
		out = append(out, MemberShareStatus{
			MemberID:   m.ID,
			ShareIndex: m.ShareIndex,
			Present:    present[m.ID],
		})
	}
	return out, nil
}

// AddRule installs a rule on the vault, authorized for vault owners only.
func (e *Engine) AddRule(ctx context.Context, id interfaces.VaultID, actor interfaces.UserID, rs RuleSpec) (*interfaces.Rule, error) {
	m, err := e.requireMember(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if m.Role != interfaces.RoleOwner {
		return nil, fmt.Errorf("%w: only owners manage rules", interfaces.ErrNotASigner)
	}
	r := &interfaces.Rule{
		ID:        interfaces.NewRuleID(),
		VaultID:   id,
		Type:      rs.Type,
		Config:    rs.Config,
		Priority:  rs.Priority,
		Enabled:   true,
		CreatedBy: actor,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	e.recordAudit(ctx, id, actor, "rule_added", map[string]any{
		"rule": r.ID, "type": string(r.Type), "priority": r.Priority,
	})
	return r, nil
}

// ListRules returns the vault's rules in priority order.
func (e *Engine) ListRules(ctx context.Context, id interfaces.VaultID) ([]*interfaces.Rule, error) {
	return e.store.ListRules(ctx, id, false)
}

// AuditLog returns a page of the vault's audit trail, newest first.
func (e *Engine) AuditLog(ctx context.Context, id interfaces.VaultID, limit, offset int) ([]*interfaces.AuditEntry, error) {
	return e.store.ListAudit(ctx, id, limit, offset)
}

// requireMember returns the actor's accepted membership in the vault.
func (e *Engine) requireMember(ctx context.Context, vault interfaces.VaultID, user interfaces.UserID) (*interfaces.Member, error) {
	m, err := e.store.GetMemberByUser(ctx, vault, user)
	if err != nil || m.Status != interfaces.MemberAccepted {
		return nil, interfaces.ErrNotAMember
	}
	return m, nil
}

func allAccepted(members []*interfaces.Member) bool {
	for _, m := range members {
		if m.Status != interfaces.MemberAccepted {
			return false
		}
	}
	return len(members) > 0
}

func newInviteToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
