package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tessella/custody-engine/interfaces"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// All methods are safe for concurrent use; returned records are copies, so
// callers never observe each other's in-flight mutations.
type MemoryStore struct {
	mu      sync.RWMutex
	vaults  map[interfaces.VaultID]*interfaces.Vault
	members map[interfaces.MemberID]*interfaces.Member
	shares  map[interfaces.VaultID]map[int]*interfaces.Share
	actions map[interfaces.ActionID]*interfaces.Action
	votes   map[interfaces.ActionID]map[interfaces.MemberID]*interfaces.Vote
	rules   map[interfaces.RuleID]*interfaces.Rule
	audit   []*interfaces.AuditEntry
	auditID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:  make(map[interfaces.VaultID]*interfaces.Vault),
		members: make(map[interfaces.MemberID]*interfaces.Member),
		shares:  make(map[interfaces.VaultID]map[int]*interfaces.Share),
		actions: make(map[interfaces.ActionID]*interfaces.Action),
		votes:   make(map[interfaces.ActionID]map[interfaces.MemberID]*interfaces.Vote),
		rules:   make(map[interfaces.RuleID]*interfaces.Rule),
	}
}

func (s *MemoryStore) CreateVault(_ context.Context, v *interfaces.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; ok {
		return fmt.Errorf("vault %s already exists", v.ID)
	}
	s.vaults[v.ID] = cloneVault(v)
	return nil
}

func (s *MemoryStore) GetVault(_ context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", interfaces.ErrNotFound, id)
	}
	return cloneVault(v), nil
}

func (s *MemoryStore) UpdateVault(_ context.Context, v *interfaces.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; !ok {
		return fmt.Errorf("%w: vault %s", interfaces.ErrNotFound, v.ID)
	}
	s.vaults[v.ID] = cloneVault(v)
	return nil
}

func (s *MemoryStore) ListVaultsByType(_ context.Context, vt interfaces.VaultType, status interfaces.VaultStatus) ([]*interfaces.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Vault
	for _, v := range s.vaults {
		if v.Type == vt && v.Status == status {
			out = append(out, cloneVault(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListUserVaults(_ context.Context, user interfaces.UserID) ([]*interfaces.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[interfaces.VaultID]bool)
	var out []*interfaces.Vault
	for _, m := range s.members {
		if m.UserID == user && !seen[m.VaultID] {
			seen[m.VaultID] = true
			if v, ok := s.vaults[m.VaultID]; ok {
				out = append(out, cloneVault(v))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateMember(_ context.Context, m *interfaces.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; ok {
		return fmt.Errorf("member %s already exists", m.ID)
	}
	for _, existing := range s.members {
		if existing.VaultID == m.VaultID && existing.ShareIndex == m.ShareIndex {
			return fmt.Errorf("share index %d already assigned in vault %s", m.ShareIndex, m.VaultID)
		}
	}
	s.members[m.ID] = cloneMember(m)
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, id interfaces.MemberID) (*interfaces.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: member %s", interfaces.ErrNotFound, id)
	}
	return cloneMember(m), nil
}

func (s *MemoryStore) GetMemberByUser(_ context.Context, vault interfaces.VaultID, user interfaces.UserID) (*interfaces.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.VaultID == vault && m.UserID == user && user != "" {
			return cloneMember(m), nil
		}
	}
	return nil, fmt.Errorf("%w: no member for user %s in vault %s", interfaces.ErrNotFound, user, vault)
}

func (s *MemoryStore) GetMemberByInviteToken(_ context.Context, token string) (*interfaces.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if token == "" {
		return nil, fmt.Errorf("%w: empty invite token", interfaces.ErrNotFound)
	}
	for _, m := range s.members {
		if m.InviteToken == token {
			return cloneMember(m), nil
		}
	}
	return nil, fmt.Errorf("%w: invite token", interfaces.ErrNotFound)
}

func (s *MemoryStore) UpdateMember(_ context.Context, m *interfaces.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; !ok {
		return fmt.Errorf("%w: member %s", interfaces.ErrNotFound, m.ID)
	}
	s.members[m.ID] = cloneMember(m)
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, vault interfaces.VaultID) ([]*interfaces.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Member
	for _, m := range s.members {
		if m.VaultID == vault {
			out = append(out, cloneMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShareIndex < out[j].ShareIndex })
	return out, nil
}

func (s *MemoryStore) PutShare(_ context.Context, sh *interfaces.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.shares[sh.VaultID]
	if !ok {
		byIndex = make(map[int]*interfaces.Share)
		s.shares[sh.VaultID] = byIndex
	}
	byIndex[sh.ShareIndex] = cloneShare(sh)
	return nil
}

func (s *MemoryStore) GetShare(_ context.Context, vault interfaces.VaultID, member interfaces.MemberID) (*interfaces.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sh := range s.shares[vault] {
		if sh.MemberID == member {
			return cloneShare(sh), nil
		}
	}
	return nil, fmt.Errorf("%w: share for member %s in vault %s", interfaces.ErrNotFound, member, vault)
}

func (s *MemoryStore) ListShares(_ context.Context, vault interfaces.VaultID) ([]*interfaces.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Share
	for _, sh := range s.shares[vault] {
		out = append(out, cloneShare(sh))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShareIndex < out[j].ShareIndex })
	return out, nil
}

func (s *MemoryStore) DeleteShares(_ context.Context, vault interfaces.VaultID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, vault)
	return nil
}

func (s *MemoryStore) CreateAction(_ context.Context, a *interfaces.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return fmt.Errorf("action %s already exists", a.ID)
	}
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *MemoryStore) GetAction(_ context.Context, id interfaces.ActionID) (*interfaces.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: action %s", interfaces.ErrNotFound, id)
	}
	return cloneAction(a), nil
}

func (s *MemoryStore) UpdateAction(_ context.Context, a *interfaces.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		return fmt.Errorf("%w: action %s", interfaces.ErrNotFound, a.ID)
	}
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *MemoryStore) ListActions(_ context.Context, vault interfaces.VaultID, f interfaces.ActionFilter) ([]*interfaces.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Action
	for _, a := range s.actions {
		if a.VaultID != vault {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		out = append(out, cloneAction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SumActionAmounts(_ context.Context, vault interfaces.VaultID, t interfaces.ActionType, statuses []interfaces.ActionStatus, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := make(map[interfaces.ActionStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var total float64
	for _, a := range s.actions {
		if a.VaultID != vault || a.Type != t || a.CreatedAt.Before(since) {
			continue
		}
		if len(allowed) > 0 && !allowed[a.Status] {
			continue
		}
		if amount, ok := interfaces.PayloadAmount(a.Payload); ok {
			total += amount
		}
	}
	return total, nil
}

func (s *MemoryStore) CountActions(_ context.Context, vault interfaces.VaultID, t interfaces.ActionType, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.actions {
		if a.VaultID == vault && a.Type == t && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListDueTimeLocks(_ context.Context, now time.Time) ([]*interfaces.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Action
	for _, a := range s.actions {
		if a.Status == interfaces.ActionApproved && !a.TimeLockUntil.IsZero() && !a.TimeLockUntil.After(now) {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ExpireDueActions(_ context.Context, now time.Time) ([]*interfaces.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*interfaces.Action
	for _, a := range s.actions {
		if !a.Status.Votable() || a.ExpiresAt.IsZero() || a.ExpiresAt.After(now) {
			continue
		}
		a.Status = interfaces.ActionExpired
		a.UpdatedAt = now
		out = append(out, cloneAction(a))
	}
	return out, nil
}

func (s *MemoryStore) CreateVote(_ context.Context, v *interfaces.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byMember, ok := s.votes[v.ActionID]
	if !ok {
		byMember = make(map[interfaces.MemberID]*interfaces.Vote)
		s.votes[v.ActionID] = byMember
	}
	if _, ok := byMember[v.MemberID]; ok {
		return fmt.Errorf("%w: member %s on action %s", interfaces.ErrDuplicateVote, v.MemberID, v.ActionID)
	}
	byMember[v.MemberID] = cloneVote(v)
	return nil
}

func (s *MemoryStore) GetVote(_ context.Context, action interfaces.ActionID, member interfaces.MemberID) (*interfaces.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.votes[action][member]; ok {
		return cloneVote(v), nil
	}
	return nil, fmt.Errorf("%w: vote by %s on %s", interfaces.ErrNotFound, member, action)
}

func (s *MemoryStore) ListVotes(_ context.Context, action interfaces.ActionID) ([]*interfaces.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Vote
	for _, v := range s.votes[action] {
		out = append(out, cloneVote(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateRule(_ context.Context, r *interfaces.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r *interfaces.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return fmt.Errorf("%w: rule %s", interfaces.ErrNotFound, r.ID)
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context, vault interfaces.VaultID, enabledOnly bool) ([]*interfaces.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interfaces.Rule
	for _, r := range s.rules {
		if r.VaultID != vault {
			continue
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *interfaces.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditID++
	clone := cloneAudit(e)
	clone.ID = s.auditID
	s.audit = append(s.audit, clone)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, vault interfaces.VaultID, limit, offset int) ([]*interfaces.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*interfaces.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].VaultID == vault {
			matched = append(matched, cloneAudit(s.audit[i]))
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func cloneVault(v *interfaces.Vault) *interfaces.Vault {
	c := *v
	c.Config = cloneConfig(v.Config)
	return &c
}

// cloneConfig deep-copies the per-type sections so callers mutating a
// returned vault's config never alias the stored record.
func cloneConfig(cfg interfaces.VaultConfig) interfaces.VaultConfig {
	out := interfaces.VaultConfig{}
	if cfg.Family != nil {
		f := *cfg.Family
		out.Family = &f
	}
	if cfg.Company != nil {
		co := *cfg.Company
		co.Departments = append([]string(nil), cfg.Company.Departments...)
		out.Company = &co
	}
	if cfg.Escrow != nil {
		e := *cfg.Escrow
		e.Milestones = append([]interfaces.EscrowMilestone(nil), cfg.Escrow.Milestones...)
		out.Escrow = &e
	}
	if cfg.Inheritance != nil {
		i := *cfg.Inheritance
		out.Inheritance = &i
	}
	if cfg.DAO != nil {
		d := *cfg.DAO
		out.DAO = &d
	}
	if cfg.Trade != nil {
		t := *cfg.Trade
		t.AcceptedAssets = append([]string(nil), cfg.Trade.AcceptedAssets...)
		out.Trade = &t
	}
	return out
}

func cloneMember(m *interfaces.Member) *interfaces.Member {
	c := *m
	return &c
}

func cloneShare(s *interfaces.Share) *interfaces.Share {
	c := *s
	c.Ciphertext = append([]byte(nil), s.Ciphertext...)
	c.IV = append([]byte(nil), s.IV...)
	c.Salt = append([]byte(nil), s.Salt...)
	return &c
}

func cloneAction(a *interfaces.Action) *interfaces.Action {
	c := *a
	if a.Result != nil {
		r := *a.Result
		c.Result = &r
	}
	return &c
}

func cloneVote(v *interfaces.Vote) *interfaces.Vote {
	c := *v
	return &c
}

func cloneRule(r *interfaces.Rule) *interfaces.Rule {
	c := *r
	if r.Config.AllowedAddresses != nil {
		c.Config.AllowedAddresses = make([]string, len(r.Config.AllowedAddresses))
		copy(c.Config.AllowedAddresses, r.Config.AllowedAddresses)
	}
	return &c
}

func cloneAudit(e *interfaces.AuditEntry) *interfaces.AuditEntry {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
